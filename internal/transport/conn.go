package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"p2pshare/internal/peer"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	// DefaultIdleTimeout closes inbound connections that stay silent.
	DefaultIdleTimeout = 5 * time.Minute

	bufferSize = 32 << 10
)

// gossipPrefix starts the text relayed to known peers when discovery finds
// a newcomer.
const gossipPrefix = "New peer discovered: "

// GossipText is the notification sent to existing peers about addr.
func GossipText(addr peer.Address) string {
	return gossipPrefix + addr.String()
}

// ParseGossip extracts the announced address from a gossip notification.
func ParseGossip(body []byte) (peer.Address, bool) {
	s := string(body)
	if !strings.HasPrefix(s, gossipPrefix) {
		return peer.Address{}, false
	}
	addr, err := peer.ParseAddress(strings.TrimPrefix(s, gossipPrefix))
	if err != nil {
		return peer.Address{}, false
	}
	return addr, true
}

// deadlineConn pushes the read and write deadlines forward on every call,
// so a timeout fires on a stalled peer rather than on a long transfer.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

var _ io.ReadWriter = deadlineConn{}

// isConnectionGone reports errors that mean the peer went away, went idle
// or we shut the socket ourselves. None is a failure worth reporting.
func isConnectionGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func orNoopScope(s tally.Scope) tally.Scope {
	if s == nil {
		return tally.NoopScope
	}
	return s
}

func orNopObserver(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
