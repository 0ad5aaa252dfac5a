package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2pshare/internal/console"
	"p2pshare/internal/metrics"
	"p2pshare/internal/node"
	"p2pshare/internal/peer"
	"p2pshare/internal/transport"
	"p2pshare/internal/tui"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type options struct {
	configPath      string
	peers           stringList
	useTUI          bool
	logFile         string
	metricsInterval time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "p2pshare:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	stats, closer := metrics.NewScope("p2pshare", logger, opts.metricsInterval)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var observer transport.Observer
	var events *tui.Events
	if opts.useTUI {
		events = tui.NewEvents(256)
		observer = events
	} else {
		observer = &console.Printer{Out: os.Stdout}
	}

	n, err := node.New(cfg, node.Options{Observer: observer, Logger: logger, Stats: stats})
	if err != nil {
		return err
	}
	c := &console.Console{Node: n, Logger: logger.Named("console")}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })

	for _, p := range opts.peers {
		addr, err := peer.ParseAddress(p)
		if err != nil {
			logger.Warn("skipping peer", zap.String("peer", p), zap.Error(err))
			continue
		}
		go n.Connect(ctx, addr)
	}

	g.Go(func() error {
		defer cancel()
		if opts.useTUI {
			p := tea.NewProgram(tui.New(ctx, c, events, nil), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error running TUI: %w", err)
			}
			return nil
		}
		fmt.Printf("p2pshare listening on %s, type /help for commands\n", n.Self())
		return c.Run(ctx, os.Stdin, os.Stdout)
	})
	return g.Wait()
}

func parseFlags(args []string) (node.Config, options, error) {
	var opts options
	fs := flag.NewFlagSet("p2pshare", flag.ContinueOnError)

	defaults := node.DefaultConfig()
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	host := fs.String("host", "", "address to announce (default: first non-loopback IPv4)")
	port := fs.Int("port", defaults.Port, "TCP port to listen on (0 = auto-assign)")
	bindHost := fs.String("bind", "", "local address to bind")
	discoveryPort := fs.Int("discovery-port", defaults.DiscoveryPort, "UDP discovery port")
	interval := fs.Duration("interval", defaults.BroadcastInterval, "announcement interval")
	var announce stringList
	fs.Var(&announce, "announce", "announcement target host:port (can be specified multiple times)")
	inbox := fs.String("inbox", defaults.InboxDir, "directory for received files")
	noDiscovery := fs.Bool("no-discovery", false, "disable auto-discovery")
	fs.Var(&opts.peers, "peer", "peer address to connect to (can be specified multiple times)")
	fs.BoolVar(&opts.useTUI, "tui", false, "use the full-screen interface")
	fs.StringVar(&opts.logFile, "log-file", "p2pshare.log", "log file used in TUI mode")
	fs.DurationVar(&opts.metricsInterval, "metrics-interval", time.Minute, "how often metrics are logged (0 disables)")
	if err := fs.Parse(args); err != nil {
		return node.Config{}, opts, err
	}

	cfg := defaults
	if opts.configPath != "" {
		loaded, err := node.LoadConfig(opts.configPath)
		if err != nil {
			return node.Config{}, opts, err
		}
		cfg = loaded
	}

	// Explicit flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "bind":
			cfg.BindHost = *bindHost
		case "discovery-port":
			cfg.DiscoveryPort = *discoveryPort
		case "interval":
			cfg.BroadcastInterval = *interval
		case "announce":
			cfg.AnnounceTargets = announce
		case "inbox":
			cfg.InboxDir = *inbox
		case "no-discovery":
			cfg.DisableDiscovery = *noDiscovery
		}
	})
	return cfg, opts, cfg.Validate()
}

// newLogger logs to a file in TUI mode, where stderr belongs to the screen.
func newLogger(opts options) (*zap.Logger, error) {
	if !opts.useTUI {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		return zcfg.Build()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{opts.logFile}
	zcfg.ErrorOutputPaths = []string{opts.logFile}
	return zcfg.Build()
}
