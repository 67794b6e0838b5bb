package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "bridge.listen_addresses[0]"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected /ip{4,6}/.../tcp/<port>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs validation of the entire config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateProcess()...)
	errs = append(errs, c.validateTopics()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateBridge()...)

	return errs
}

func (c *Config) validateProcess() []error {
	if strings.TrimSpace(c.Process.Name) == "" {
		return []error{ValidationError{
			Path:    "process.name",
			Message: "must not be empty",
			Hint:    "used as the unit name on lifecycle initialization",
		}}
	}
	return nil
}

func (c *Config) validateTopics() []error {
	var errs []error
	tc := c.Topics

	if tc.MaxNameLength < 1 {
		errs = append(errs, ValidationError{
			Path:    "topics.max_name_length",
			Message: fmt.Sprintf("must be >= 1; got %d", tc.MaxNameLength),
		})
	}
	if tc.DefaultBufferCount < 1 {
		errs = append(errs, ValidationError{
			Path:    "topics.default_buffer_count",
			Message: fmt.Sprintf("must be >= 1; got %d", tc.DefaultBufferCount),
		})
	}
	if tc.SubscriberQueueDepth < 1 {
		errs = append(errs, ValidationError{
			Path:    "topics.subscriber_queue_depth",
			Message: fmt.Sprintf("must be >= 1; got %d", tc.SubscriberQueueDepth),
		})
	}
	if tc.SlotAlignment < 1 || tc.SlotAlignment&(tc.SlotAlignment-1) != 0 {
		errs = append(errs, ValidationError{
			Path:    "topics.slot_alignment",
			Message: fmt.Sprintf("must be a power of two; got %d", tc.SlotAlignment),
		})
	}

	for name, o := range tc.Overrides {
		path := fmt.Sprintf("topics.overrides[%s]", name)
		if name == "" || (tc.MaxNameLength > 0 && len(name) > tc.MaxNameLength) {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "invalid topic name",
				Hint:    fmt.Sprintf("1 to %d bytes", tc.MaxNameLength),
			})
		}
		if o.BufferCount < 1 {
			errs = append(errs, ValidationError{
				Path:    path + ".buffer_count",
				Message: fmt.Sprintf("must be >= 1; got %d", o.BufferCount),
			})
		}
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	lc := c.Logging

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[lc.Level] {
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", lc.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[lc.Format] {
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", lc.Format),
			Hint:    "allowed values: json, console",
		})
	}

	if lc.OutputFile != "" {
		dir := filepath.Dir(lc.OutputFile)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, ValidationError{
				Path:    "logging.output_file",
				Message: fmt.Sprintf("parent directory %q does not exist", dir),
			})
		}
	}

	return errs
}

func (c *Config) validateBridge() []error {
	var errs []error
	bc := c.Bridge

	if !bc.Enabled {
		return nil
	}

	if strings.TrimSpace(bc.Namespace) == "" {
		errs = append(errs, ValidationError{
			Path:    "bridge.namespace",
			Message: "must not be empty",
		})
	}
	if bc.MaxRemotePublishers < 1 {
		errs = append(errs, ValidationError{
			Path:    "bridge.max_remote_publishers",
			Message: fmt.Sprintf("must be >= 1; got %d", bc.MaxRemotePublishers),
		})
	}
	if bc.RemoteBufferCount < 1 {
		errs = append(errs, ValidationError{
			Path:    "bridge.remote_buffer_count",
			Message: fmt.Sprintf("must be >= 1; got %d", bc.RemoteBufferCount),
		})
	}

	if bc.DiscoveryInterval < 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.discovery_interval",
			Message: fmt.Sprintf("must be >= 0; got %s", bc.DiscoveryInterval),
			Hint:    "use 0 to disable peer announcements",
		})
	} else if bc.DiscoveryInterval > 0 && bc.DiscoveryInterval < time.Second {
		errs = append(errs, ValidationError{
			Path:    "bridge.discovery_interval",
			Message: fmt.Sprintf("must be at least 1s; got %s", bc.DiscoveryInterval),
		})
	}

	if len(bc.ListenAddresses) == 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.listen_addresses",
			Message: "must not be empty when the bridge is enabled",
		})
	}

	seen := make(map[string]bool)
	for i, addr := range bc.ListenAddresses {
		path := fmt.Sprintf("bridge.listen_addresses[%d]", i)

		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>",
			})
			continue
		}

		if _, err := manet.ToNetAddr(ma); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("cannot convert multiaddr to network address: %v", err),
				Hint:    "ensure multiaddr contains /tcp/<port>",
			})
		}

		if seen[addr] {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "duplicate listen address",
			})
		}
		seen[addr] = true
	}

	for i, peer := range bc.BootstrapPeers {
		path := fmt.Sprintf("bridge.bootstrap_peers[%d]", i)
		if _, err := multiaddr.NewMultiaddr(peer); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}
		if !strings.Contains(peer, "/p2p/") {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /p2p/<peerID> component",
			})
		}
	}

	return errs
}
