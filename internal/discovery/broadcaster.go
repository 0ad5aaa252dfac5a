// Package discovery finds peers on the local segment. Every node announces
// its "host:port" in a UDP broadcast and listens on the same well-known port
// for the announcements of others.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"p2pshare/internal/peer"
)

const (
	DefaultPort     = 9090
	DefaultInterval = 5 * time.Second
)

// BroadcastTarget is the limited broadcast address on port.
func BroadcastTarget(port int) string {
	return fmt.Sprintf("255.255.255.255:%d", port)
}

// Broadcaster periodically announces this node's address.
type Broadcaster struct {
	// Targets are the "host:port" destinations of every announcement,
	// usually just BroadcastTarget(DefaultPort).
	Targets  []string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
	Stats    tally.Scope
}

// Run announces self once right away and then on every tick until ctx is
// cancelled. Lost or failed sends are only logged: the next tick resends.
func (b *Broadcaster) Run(ctx context.Context, self peer.Address) error {
	logger := orNop(b.Logger)
	stats := orNoopScope(b.Stats)

	if len(b.Targets) == 0 {
		return fmt.Errorf("no announce targets configured")
	}
	targets := make([]*net.UDPAddr, 0, len(b.Targets))
	for _, t := range b.Targets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return fmt.Errorf("failed to resolve announce target %s: %w", t, err)
		}
		targets = append(targets, addr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer conn.Close()

	clk := b.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	msg := []byte(self.String())
	logger.Info("announcing presence", zap.Stringer("self", self),
		zap.Strings("targets", b.Targets), zap.Duration("interval", interval))

	announce := func() {
		for _, t := range targets {
			if _, err := conn.WriteToUDP(msg, t); err != nil {
				stats.Counter("announce_failures").Inc(1)
				logger.Warn("announce failed", zap.Stringer("target", t), zap.Error(err))
				continue
			}
			stats.Counter("announcements_sent").Inc(1)
		}
	}

	announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			announce()
		}
	}
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
