// Package node assembles a complete peer: the TCP server, the sender, UDP
// discovery and the inbox, all sharing one peer registry.
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2pshare/internal/discovery"
	"p2pshare/internal/inbox"
	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
	"p2pshare/internal/transport"
)

// Options carries the collaborators a node does not build itself. Every
// field is optional.
type Options struct {
	Observer transport.Observer
	Logger   *zap.Logger
	Stats    tally.Scope
	Clock    clock.Clock
}

type Node struct {
	cfg      Config
	self     peer.Address
	registry *peer.Registry
	observer transport.Observer
	logger   *zap.Logger

	ln     net.Listener
	udp    net.PacketConn
	server *transport.Server
	sender *transport.Sender

	broadcaster *discovery.Broadcaster
	listener    *discovery.Listener
}

// New validates cfg and binds the node's sockets, so a port clash surfaces
// here rather than in Run.
func New(cfg Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stats := opts.Stats
	if stats == nil {
		stats = tally.NoopScope
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	observer := opts.Observer
	if observer == nil {
		observer = transport.NopObserver{}
	}

	host := cfg.Host
	if host == "" {
		host = detectHost()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	self := peer.Address{Host: host, Port: ln.Addr().(*net.TCPAddr).Port}

	n := &Node{
		cfg:      cfg,
		self:     self,
		registry: peer.NewRegistry(),
		observer: observer,
		logger:   logger.With(zap.Stringer("self", self)),
		ln:       ln,
	}
	n.registry.Subscribe(observer.OnPeerListChanged)

	var handlerObserver transport.Observer = observer
	if cfg.InboxDir != "" {
		store, err := inbox.New(cfg.InboxDir)
		if err != nil {
			ln.Close()
			return nil, err
		}
		store.Clock = clk
		handlerObserver = transport.Observers{observer, &saver{store: store, report: observer, logger: n.logger.Named("inbox")}}
	}

	transportStats := stats.SubScope("transport")
	n.server = &transport.Server{
		Handler: &transport.Handler{
			Self:        self,
			Registry:    n.registry,
			Observer:    handlerObserver,
			Decoder:     protocol.Decoder{MaxPayload: cfg.MaxPayload, MaxFrame: cfg.MaxFrame},
			IdleTimeout: cfg.IdleTimeout,
			Logger:      n.logger.Named("handler"),
			Stats:       transportStats,
		},
		Logger: n.logger.Named("server"),
	}
	n.sender = &transport.Sender{
		Self:         self,
		Registry:     n.registry,
		Observer:     observer,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		FanoutLimit:  cfg.FanoutLimit,
		Logger:       n.logger.Named("sender"),
		Stats:        transportStats,
	}

	if !cfg.DisableDiscovery {
		udp, err := discovery.Listen(net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.DiscoveryPort)))
		if err != nil {
			ln.Close()
			return nil, err
		}
		n.udp = udp
		discoveryStats := stats.SubScope("discovery")
		n.broadcaster = &discovery.Broadcaster{
			Targets:  cfg.announceTargets(),
			Interval: cfg.BroadcastInterval,
			Clock:    clk,
			Logger:   n.logger.Named("broadcaster"),
			Stats:    discoveryStats,
		}
		n.listener = &discovery.Listener{
			Registry: n.registry,
			Gossip:   n.sender,
			Observer: observer,
			Logger:   n.logger.Named("listener"),
			Stats:    discoveryStats,
		}
	}
	return n, nil
}

// Run serves peers and runs discovery until ctx is cancelled or one of them
// fails. The node cannot be restarted afterwards.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.server.Serve(ctx, n.ln)
	})
	if n.udp != nil {
		g.Go(func() error {
			return n.listener.Serve(ctx, n.udp, n.self)
		})
		g.Go(func() error {
			return n.broadcaster.Run(ctx, n.self)
		})
	}
	n.logger.Info("node started",
		zap.Stringer("addr", n.ln.Addr()),
		zap.Bool("discovery", n.udp != nil))
	err := g.Wait()
	n.logger.Info("node stopped", zap.Error(err))
	return err
}

// Close releases the sockets of a node whose Run was never called.
func (n *Node) Close() error {
	err := n.ln.Close()
	if n.udp != nil {
		n.udp.Close()
	}
	return err
}

// Self is the address this node announces to others.
func (n *Node) Self() peer.Address { return n.self }

func (n *Node) Addr() net.Addr { return n.ln.Addr() }

// DiscoveryAddr is nil when discovery is disabled.
func (n *Node) DiscoveryAddr() net.Addr {
	if n.udp == nil {
		return nil
	}
	return n.udp.LocalAddr()
}

func (n *Node) Registry() *peer.Registry { return n.registry }

func (n *Node) Peers() []peer.Address { return n.registry.List() }

func (n *Node) SendText(ctx context.Context, target peer.Address, body []byte) error {
	return n.sender.SendText(ctx, target, body)
}

func (n *Node) SendTextToAll(ctx context.Context, body []byte) []transport.Result {
	return n.sender.SendTextToAll(ctx, body)
}

func (n *Node) SendFile(ctx context.Context, target peer.Address, path string) error {
	return n.sender.SendFile(ctx, target, path)
}

func (n *Node) SendFileToAll(ctx context.Context, path string) []transport.Result {
	return n.sender.SendFileToAll(ctx, path)
}

func (n *Node) SendDirectory(ctx context.Context, target peer.Address, root string) error {
	return n.sender.SendDirectory(ctx, target, root)
}

func (n *Node) Connect(ctx context.Context, target peer.Address) error {
	return n.sender.Connect(ctx, target)
}

// saver writes received files to the inbox and reports each save.
type saver struct {
	transport.NopObserver
	store  *inbox.Store
	report transport.Observer
	logger *zap.Logger
}

func (s *saver) OnMessageReceived(from peer.Address, frame protocol.Frame) {
	var (
		path string
		err  error
	)
	switch f := frame.(type) {
	case protocol.File:
		path, err = s.store.SaveFile(from, f)
	case protocol.Directory:
		path, err = s.store.SaveDirectory(from, f)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("save failed", zap.Stringer("peer", from), zap.Error(err))
		s.report.OnTransferResult(transport.OpSave, from, false, err.Error())
		return
	}
	s.logger.Info("saved", zap.Stringer("peer", from), zap.String("path", path))
	s.report.OnTransferResult(transport.OpSave, from, true, path)
}
