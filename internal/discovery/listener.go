package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"p2pshare/internal/peer"
	"p2pshare/internal/transport"
)

const defaultPollInterval = time.Second

// Gossiper relays a text to every known peer. *transport.Sender implements it.
type Gossiper interface {
	SendTextToAll(ctx context.Context, body []byte) []transport.Result
}

// Listener receives announcements and feeds new peers into the registry.
type Listener struct {
	// Addr is the UDP address to bind, e.g. ":9090".
	Addr     string
	Registry *peer.Registry
	// Gossip, when set, tells every known peer about each newcomer.
	Gossip   Gossiper
	Observer transport.Observer
	// PollInterval bounds how long a blocked read delays shutdown.
	PollInterval time.Duration
	Logger       *zap.Logger
	Stats        tally.Scope
}

// Listen binds a UDP socket with address reuse, so several nodes on one
// host can share the discovery port.
func Listen(addr string) (net.PacketConn, error) {
	conn, err := reuseport.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for announcements on %s: %w", addr, err)
	}
	return conn, nil
}

// Run binds l.Addr and serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, self peer.Address) error {
	conn, err := Listen(l.Addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, conn, self)
}

// Serve reads announcements from conn until ctx is cancelled and closes
// conn on return. Gossip started for a newcomer is waited for.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn, self peer.Address) error {
	defer conn.Close()
	logger := orNop(l.Logger)

	var gossip sync.WaitGroup
	defer gossip.Wait()

	poll := l.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	logger.Info("listening for announcements", zap.Stringer("addr", conn.LocalAddr()))
	buf := make([]byte, 2048)
	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(poll))
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = 0
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Warn("discovery read error", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		l.handleDatagram(ctx, string(buf[:n]), src, self, &gossip)
	}
}

func (l *Listener) handleDatagram(ctx context.Context, msg string, src net.Addr, self peer.Address, gossip *sync.WaitGroup) {
	logger := orNop(l.Logger)
	stats := orNoopScope(l.Stats)

	addr, err := peer.ParseAddress(msg)
	if err != nil {
		stats.Counter("datagrams_malformed").Inc(1)
		logger.Warn("discarding malformed announcement", zap.Stringer("src", src), zap.Error(err))
		return
	}
	if addr == self {
		return
	}
	if l.Registry.Contains(addr) || !l.Registry.Add(addr) {
		return
	}

	stats.Counter("peers_discovered").Inc(1)
	logger.Info("discovered peer", zap.Stringer("peer", addr), zap.Stringer("src", src))
	if l.Observer != nil {
		l.Observer.OnTransferResult(transport.OpDiscover, addr, true, "announced from "+src.String())
	}

	if l.Gossip == nil {
		return
	}
	gossip.Add(1)
	go func() {
		defer gossip.Done()
		l.Gossip.SendTextToAll(ctx, []byte(transport.GossipText(addr)))
	}()
}
