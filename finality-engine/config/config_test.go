package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, TransportZmq, config.Transport)
	assert.Equal(t, uint32(900), config.SessionPeriod)
}

func TestLoadEmptyPath(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: validator-3
log_level: debug
listen_port: 6000
session_period: 20
stale_timeout: 1m
heartbeat_interval: 2s
reserved_peers:
  - id: validator-1
    address: tcp://10.0.0.1:5555
  - id: validator-2
    address: tcp://10.0.0.2:5555
`)
	config, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "validator-3", config.NodeID)
	assert.Equal(t, 6000, config.ListenPort)
	assert.Equal(t, "127.0.0.1", config.ListenHost)
	assert.Equal(t, uint32(20), config.SessionPeriod)
	assert.Equal(t, time.Minute, config.StaleTimeout)
	assert.Equal(t, 2*time.Second, config.HeartbeatInterval)

	zmq := config.ZmqConfig()
	assert.Equal(t, "validator-3", zmq.NodeID)
	assert.Equal(t, 6000, zmq.Port)
	assert.Equal(t, time.Minute, zmq.StaleTimeout)

	cmd, ok := config.ReservedCommand()
	require.True(t, ok)
	assert.Equal(t, map[network.PeerID]string{
		"validator-1": "tcp://10.0.0.1:5555",
		"validator-2": "tcp://10.0.0.2:5555",
	}, cmd.Peers)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "node_id: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"bad host", func(c *Config) { c.ListenHost = "not a host" }},
		{"bad port", func(c *Config) { c.ListenPort = 70000 }},
		{"libp2p without addrs", func(c *Config) { c.Transport = TransportLibp2p; c.ListenAddrs = nil }},
		{"zero period", func(c *Config) { c.SessionPeriod = 0 }},
		{"zero queue", func(c *Config) { c.PeerQueueSize = 0 }},
		{"zero io buffer", func(c *Config) { c.IOBufferSize = 0 }},
		{"stale below heartbeat", func(c *Config) { c.StaleTimeout = c.HeartbeatInterval }},
		{"reserved peer without address", func(c *Config) {
			c.ReservedPeers = []ReservedPeer{{ID: "validator-1"}}
		}},
		{"duplicate reserved peer", func(c *Config) {
			c.ReservedPeers = []ReservedPeer{{ID: "v", Address: "a"}, {ID: "v", Address: "b"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNoReservedPeers(t *testing.T) {
	_, ok := DefaultConfig().ReservedCommand()
	assert.False(t, ok)
}
