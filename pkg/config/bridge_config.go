package config

import (
	"time"

	"github.com/multiformats/go-multiaddr"
)

// BridgeConfig contains the cross-host gossipsub bridge configuration
type BridgeConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ListenAddresses     []string      `yaml:"listen_addresses"`      // LibP2P listen addresses
	BootstrapPeers      []string      `yaml:"bootstrap_peers"`       // Full multiaddrs including /p2p/<id>
	Namespace           string        `yaml:"namespace"`             // Prefix for gossipsub topic names
	MaxRemotePublishers int           `yaml:"max_remote_publishers"` // Remote publisher proxies kept alive
	RemoteBufferCount   int           `yaml:"remote_buffer_count"`   // Shared buffers per remote publisher proxy
	DiscoveryInterval   time.Duration `yaml:"discovery_interval"`    // Peer announcement period, 0 disables
	IdentityFile        string        `yaml:"identity_file"`         // Persistent host key, empty for an ephemeral one
}

// ParseMultiaddrs converts listen addresses to multiaddr objects
func (b BridgeConfig) ParseMultiaddrs() ([]multiaddr.Multiaddr, error) {
	var addrs []multiaddr.Multiaddr
	for _, addr := range b.ListenAddresses {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ma)
	}
	return addrs, nil
}
