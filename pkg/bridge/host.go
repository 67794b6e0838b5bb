package bridge

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/config"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
)

const bootstrapTimeout = 10 * time.Second

// NewHost creates a libp2p host listening on the configured addresses. With
// cfg.IdentityFile set the host keeps its peer id across restarts; otherwise
// it gets a new one each time.
func NewHost(cfg config.BridgeConfig) (host.Host, error) {
	addrs, err := cfg.ParseMultiaddrs()
	if err != nil {
		return nil, errors.NewInvalidConfigurationError("bridge.listen_addresses", err.Error(), cfg.ListenAddresses)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultMuxers,
	}
	if cfg.IdentityFile != "" {
		id, err := LoadOrCreateIdentity(cfg.IdentityFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(id.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create libp2p host")
	}
	return h, nil
}

// connectBootstrapPeers dials every bootstrap peer and returns how many
// connections succeeded. Failures are logged; a bridge without peers still
// serves local traffic.
func connectBootstrapPeers(ctx context.Context, h host.Host, peers []string, logger *logging.ColoredLogger) int {
	connected := 0
	for _, addr := range peers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			logger.ComponentWarn(logging.ComponentBridge, "Invalid bootstrap address",
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			logger.ComponentWarn(logging.ComponentBridge, "Bootstrap address has no peer id",
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}
		if info.ID == h.ID() {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		err = h.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			logger.ComponentWarn(logging.ComponentBridge, "Failed to connect to bootstrap peer",
				zap.Stringer("peer_id", info.ID),
				zap.Error(err),
			)
			continue
		}

		connected++
		logger.ComponentInfo(logging.ComponentBridge, "Connected to bootstrap peer",
			zap.Stringer("peer_id", info.ID),
		)
	}
	return connected
}
