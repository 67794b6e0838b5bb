package config

import "time"

// Config represents the configuration of one bus process
type Config struct {
	Process ProcessConfig `yaml:"process"`
	Topics  TopicsConfig  `yaml:"topics"`
	Logging LoggingConfig `yaml:"logging"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// ProcessConfig identifies the process towards the lifecycle and remote peers
type ProcessConfig struct {
	Name string `yaml:"name"` // Unit name passed to lifecycle initialization
}

// TopicsConfig holds defaults applied to every topic
type TopicsConfig struct {
	MaxNameLength        int                      `yaml:"max_name_length"`        // Topic names longer than this are rejected
	DefaultBufferCount   int                      `yaml:"default_buffer_count"`   // Shared buffers per publisher
	SubscriberQueueDepth int                      `yaml:"subscriber_queue_depth"` // Pending read references per subscriber
	SlotAlignment        int                      `yaml:"slot_alignment"`         // Slot capacity rounding in bytes
	Overrides            map[string]TopicOverride `yaml:"overrides"`              // Per-topic settings keyed by topic name
}

// TopicOverride replaces defaults for a single topic
type TopicOverride struct {
	BufferCount int `yaml:"buffer_count"`
}

// BufferCountFor returns the initial buffer count for a topic.
func (t TopicsConfig) BufferCountFor(topic string) int {
	if o, ok := t.Overrides[topic]; ok && o.BufferCount > 0 {
		return o.BufferCount
	}
	if t.DefaultBufferCount > 0 {
		return t.DefaultBufferCount
	}
	return 1
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Process: ProcessConfig{
			Name: "shmbus",
		},
		Topics: TopicsConfig{
			MaxNameLength:        256,
			DefaultBufferCount:   1,
			SubscriberQueueDepth: 64,
			SlotAlignment:        64,
			Overrides:            make(map[string]TopicOverride),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Bridge: BridgeConfig{
			Enabled: false,
			ListenAddresses: []string{
				"/ip4/127.0.0.1/tcp/0",
			},
			BootstrapPeers:      []string{},
			Namespace:           "shmbus",
			MaxRemotePublishers: 1024,
			RemoteBufferCount:   4,
			DiscoveryInterval:   30 * time.Second,
		},
	}
}
