package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

// Handler reads frames off one connection and hands them to the observer.
type Handler struct {
	// Self is skipped when registering peers.
	Self     peer.Address
	Registry *peer.Registry
	Observer Observer
	Decoder  protocol.Decoder
	// IdleTimeout closes a connection that has been silent this long.
	// Zero waits forever.
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Stats       tally.Scope
}

// Serve runs the read loop until the peer closes the connection, a protocol
// error occurs or ctx is cancelled. It always closes conn.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := orNop(h.Logger).With(zap.Stringer("remote", conn.RemoteAddr()))
	stats := orNoopScope(h.Stats)
	observer := orNopObserver(h.Observer)

	from, err := peer.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		logger.Warn("unusable remote address", zap.Error(err))
		return
	}
	remoteIP := from.Host

	r := bufio.NewReaderSize(deadlineConn{Conn: conn, readTimeout: h.IdleTimeout}, bufferSize)
	first := true
	for {
		frame, err := h.Decoder.Decode(r)
		if err != nil {
			// A reset between frames is a normal hang-up; inside a frame the
			// decoder reports ErrTruncated and the loss is surfaced.
			if ctx.Err() != nil || (isConnectionGone(err) && !errors.Is(err, protocol.ErrTruncated)) {
				logger.Debug("connection closed", zap.Stringer("peer", from))
				return
			}
			stats.Counter("protocol_errors").Inc(1)
			logger.Warn("dropping connection", zap.Stringer("peer", from), zap.Error(err))
			observer.OnTransferResult(OpReceive, from, false, err.Error())
			return
		}

		if hello, ok := frame.(protocol.Hello); ok {
			if first {
				from = announcedAddress(hello, remoteIP, from, logger)
				h.register(from, logger)
				first = false
			}
			continue
		}
		if first {
			h.register(from, logger)
			first = false
		}
		h.deliver(from, frame, observer, stats, logger)
	}
}

// announcedAddress picks the address a Hello names, keeping the socket's
// IP when the sender bound a wildcard address.
func announcedAddress(hello protocol.Hello, remoteIP string, fallback peer.Address, logger *zap.Logger) peer.Address {
	addr := peer.Address{Host: hello.Host, Port: int(hello.Port)}
	if ip := net.ParseIP(addr.Host); addr.Host == "" || (ip != nil && ip.IsUnspecified()) {
		addr.Host = remoteIP
	}
	if err := addr.Validate(); err != nil {
		logger.Warn("ignoring bad hello", zap.Error(err))
		return fallback
	}
	return addr
}

func (h *Handler) register(addr peer.Address, logger *zap.Logger) {
	if h.Registry == nil || addr == h.Self {
		return
	}
	if h.Registry.Add(addr) {
		logger.Info("peer connected", zap.Stringer("peer", addr))
	}
}

func (h *Handler) deliver(from peer.Address, frame protocol.Frame, observer Observer, stats tally.Scope, logger *zap.Logger) {
	stats.Tagged(map[string]string{"kind": frame.Tag().String()}).Counter("frames_received").Inc(1)

	switch f := frame.(type) {
	case protocol.Text:
		stats.Counter("bytes_received").Inc(int64(len(f.Body)))
		logger.Info("message received", zap.Stringer("peer", from), zap.Int("bytes", len(f.Body)))
		if addr, ok := ParseGossip(f.Body); ok && addr != h.Self && h.Registry != nil {
			if h.Registry.Add(addr) {
				stats.Counter("gossip_learned").Inc(1)
				logger.Info("peer learned from gossip", zap.Stringer("peer", addr), zap.Stringer("via", from))
			}
		}
	case protocol.File:
		stats.Counter("bytes_received").Inc(int64(f.Size()))
		logger.Info("file received", zap.Stringer("peer", from),
			zap.String("name", f.Name), zap.Uint64("bytes", f.Size()))
	case protocol.Directory:
		stats.Counter("bytes_received").Inc(int64(f.TotalSize()))
		logger.Info("directory received", zap.Stringer("peer", from),
			zap.Int("entries", len(f.Entries)), zap.Uint64("bytes", f.TotalSize()))
	}

	observer.OnMessageReceived(from, frame)
}
