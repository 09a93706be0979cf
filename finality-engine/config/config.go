// Package config loads the node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network/p2p"
)

// Transport kinds
const (
	TransportZmq    = "zmq"
	TransportLibp2p = "libp2p"
)

// Common errors for configuration
var (
	ErrInvalidConfig = errors.New("invalid config")
)

// ReservedPeer is a validator peer the node keeps a stream with.
type ReservedPeer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config represents the node configuration
type Config struct {
	NodeID   string `yaml:"node_id"`
	LogLevel string `yaml:"log_level"`

	Transport    string   `yaml:"transport"`
	ListenHost   string   `yaml:"listen_host"`
	ListenPort   int      `yaml:"listen_port"`
	ListenAddrs  []string `yaml:"listen_addrs"`
	IdentitySeed string   `yaml:"identity_seed"`

	SessionPeriod uint32 `yaml:"session_period"`
	PeerQueueSize int    `yaml:"peer_queue_size"`
	IOBufferSize  int    `yaml:"io_buffer_size"`
	MetricsAddr   string `yaml:"metrics_addr"`

	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	ReservedPeers []ReservedPeer `yaml:"reserved_peers"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	zmq := network.DefaultZmqConfig()
	return &Config{
		NodeID:            zmq.NodeID,
		LogLevel:          "info",
		Transport:         TransportZmq,
		ListenHost:        zmq.Host,
		ListenPort:        zmq.Port,
		ListenAddrs:       p2p.DefaultConfig().ListenAddrs,
		SessionPeriod:     900,
		PeerQueueSize:     network.DefaultServiceConfig().PeerQueueSize,
		IOBufferSize:      1000,
		MetricsAddr:       ":9090",
		StaleTimeout:      zmq.StaleTimeout,
		HeartbeatInterval: zmq.HeartbeatInterval,
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is empty", ErrInvalidConfig)
	}
	if _, err := log.LvlFromString(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	switch c.Transport {
	case TransportZmq:
		if net.ParseIP(c.ListenHost) == nil && c.ListenHost != "localhost" {
			return fmt.Errorf("%w: listen_host %q", ErrInvalidConfig, c.ListenHost)
		}
		if c.ListenPort <= 0 || c.ListenPort > 65535 {
			return fmt.Errorf("%w: listen_port %d", ErrInvalidConfig, c.ListenPort)
		}
	case TransportLibp2p:
		if len(c.ListenAddrs) == 0 {
			return fmt.Errorf("%w: listen_addrs is empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.SessionPeriod == 0 {
		return fmt.Errorf("%w: session_period must be positive", ErrInvalidConfig)
	}
	if c.PeerQueueSize <= 0 {
		return fmt.Errorf("%w: peer_queue_size must be positive", ErrInvalidConfig)
	}
	if c.IOBufferSize <= 0 {
		return fmt.Errorf("%w: io_buffer_size must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 || c.StaleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: stale_timeout must exceed a positive heartbeat_interval", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.ReservedPeers))
	for _, peer := range c.ReservedPeers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("%w: reserved peer needs id and address", ErrInvalidConfig)
		}
		if seen[peer.ID] {
			return fmt.Errorf("%w: duplicate reserved peer %s", ErrInvalidConfig, peer.ID)
		}
		seen[peer.ID] = true
	}
	return nil
}

// Period returns the session period.
func (c *Config) Period() core.SessionPeriod {
	return core.SessionPeriod(c.SessionPeriod)
}

// ZmqConfig returns the ZeroMQ transport settings.
func (c *Config) ZmqConfig() network.ZmqConfig {
	zmq := network.DefaultZmqConfig()
	zmq.NodeID = c.NodeID
	zmq.Host = c.ListenHost
	zmq.Port = c.ListenPort
	zmq.HeartbeatInterval = c.HeartbeatInterval
	zmq.StaleTimeout = c.StaleTimeout
	return zmq
}

// P2PConfig returns the libp2p transport settings.
func (c *Config) P2PConfig() p2p.Config {
	config := p2p.DefaultConfig()
	config.ListenAddrs = c.ListenAddrs
	config.IdentitySeed = c.IdentitySeed
	config.MaintainInterval = c.HeartbeatInterval
	return config
}

// ServiceConfig returns the network service settings.
func (c *Config) ServiceConfig() network.ServiceConfig {
	return network.ServiceConfig{PeerQueueSize: c.PeerQueueSize}
}

// ReservedCommand returns the command registering the configured reserved peers.
func (c *Config) ReservedCommand() (network.AddReserved, bool) {
	if len(c.ReservedPeers) == 0 {
		return network.AddReserved{}, false
	}
	peers := make(map[network.PeerID]string, len(c.ReservedPeers))
	for _, peer := range c.ReservedPeers {
		peers[network.PeerID(peer.ID)] = peer.Address
	}
	return network.AddReserved{Peers: peers}, true
}
