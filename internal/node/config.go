package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"p2pshare/internal/discovery"
	"p2pshare/internal/protocol"
	"p2pshare/internal/transport"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds every tunable of a node. Zero durations and limits fall back to
// the package defaults of the component they configure.
type Config struct {
	// Host is the address this node announces. Empty picks the first
	// non-loopback IPv4 address.
	Host string `yaml:"host"`
	// Port is the TCP listen port. Zero lets the OS choose.
	Port int `yaml:"port"`
	// BindHost is the local address both sockets bind. Empty binds all.
	BindHost string `yaml:"bind_host"`

	DiscoveryPort     int           `yaml:"discovery_port"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// AnnounceTargets replaces the broadcast address, e.g. for unicast
	// announcements across subnets.
	AnnounceTargets  []string `yaml:"announce_targets"`
	DisableDiscovery bool     `yaml:"disable_discovery"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxPayload   uint64        `yaml:"max_payload"`
	// MaxFrame caps the total size of one directory transfer.
	MaxFrame     uint64        `yaml:"max_frame"`
	FanoutLimit  int           `yaml:"fanout_limit"`

	// InboxDir receives saved files and directories. Empty disables saving.
	InboxDir string `yaml:"inbox_dir"`
}

func DefaultConfig() Config {
	return Config{
		Port:              5000,
		DiscoveryPort:     discovery.DefaultPort,
		BroadcastInterval: discovery.DefaultInterval,
		DialTimeout:       transport.DefaultDialTimeout,
		WriteTimeout:      transport.DefaultWriteTimeout,
		IdleTimeout:       transport.DefaultIdleTimeout,
		MaxPayload:        protocol.DefaultMaxPayload,
		MaxFrame:          protocol.DefaultMaxFrame,
		FanoutLimit:       transport.DefaultFanoutLimit,
		InboxDir:          "inbox",
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%w: discovery port %d out of range", ErrInvalidConfig, c.DiscoveryPort)
	}
	if !c.DisableDiscovery {
		if c.BroadcastInterval <= 0 {
			return fmt.Errorf("%w: broadcast interval must be positive", ErrInvalidConfig)
		}
		if c.DiscoveryPort == 0 && len(c.AnnounceTargets) == 0 {
			return fmt.Errorf("%w: discovery port 0 needs announce targets", ErrInvalidConfig)
		}
	}
	if c.DialTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.FanoutLimit < 0 {
		return fmt.Errorf("%w: fanout limit must not be negative", ErrInvalidConfig)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil {
		if _, err := net.LookupHost(c.Host); err != nil {
			return fmt.Errorf("%w: host %q: %v", ErrInvalidConfig, c.Host, err)
		}
	}
	return nil
}

func (c Config) announceTargets() []string {
	if len(c.AnnounceTargets) > 0 {
		return c.AnnounceTargets
	}
	return []string{discovery.BroadcastTarget(c.DiscoveryPort)}
}

// detectHost returns the first IPv4 address of an up, non-loopback
// interface, or 127.0.0.1 when there is none.
func detectHost() string {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip := ipn.IP.To4(); ip != nil {
					return ip.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
