package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/logging"
)

// DiscoveryTopic carries peer announcements inside the bridge namespace.
const DiscoveryTopic = "_peers"

const (
	maxAnnouncementAge = 5 * time.Minute
	connectTimeout     = 15 * time.Second
)

// PeerAnnouncement represents a bridge announcing its addresses
type PeerAnnouncement struct {
	PeerID    string   `msgpack:"peer_id"`
	Origin    string   `msgpack:"origin"`
	Addresses []string `msgpack:"addresses"`
	Timestamp int64    `msgpack:"timestamp"`
}

// PeerDiscoveryService announces this host on DiscoveryTopic and dials
// the hosts it hears about.
type PeerDiscoveryService struct {
	host     host.Host
	manager  *Manager
	logger   *logging.ColoredLogger
	clock    clock.Clock
	interval time.Duration
	origin   string

	ctx       context.Context
	cancel    context.CancelFunc
	handlerID HandlerID
	wg        sync.WaitGroup
	mu        sync.Mutex
	stopped   bool
}

// NewPeerDiscoveryService creates a new peer discovery service
func NewPeerDiscoveryService(h host.Host, manager *Manager, origin string, interval time.Duration, clk clock.Clock, logger *logging.ColoredLogger) *PeerDiscoveryService {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerDiscoveryService{
		host:     h,
		manager:  manager,
		logger:   logger,
		clock:    clk,
		interval: interval,
		origin:   origin,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to announcements and begins announcing periodically
func (pds *PeerDiscoveryService) Start() error {
	id, err := pds.manager.Subscribe(pds.ctx, DiscoveryTopic, pds.handlePeerAnnouncement)
	if err != nil {
		return err
	}
	pds.handlerID = id

	pds.wg.Add(1)
	go pds.announcePeriodically()
	return nil
}

// Stop stops announcing and unsubscribes
func (pds *PeerDiscoveryService) Stop() error {
	pds.mu.Lock()
	pds.stopped = true
	pds.mu.Unlock()

	pds.cancel()
	pds.wg.Wait()
	return pds.manager.Unsubscribe(pds.ctx, DiscoveryTopic, pds.handlerID)
}

func (pds *PeerDiscoveryService) announcePeriodically() {
	defer pds.wg.Done()

	pds.announceOurselves()

	ticker := pds.clock.Ticker(pds.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pds.ctx.Done():
			return
		case <-ticker.C:
			pds.announceOurselves()
		}
	}
}

// announceOurselves publishes our peer info to the discovery topic
func (pds *PeerDiscoveryService) announceOurselves() {
	self := multiaddr.StringCast("/p2p/" + pds.host.ID().String())
	addrs := pds.host.Addrs()
	addrStrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addrStrs = append(addrStrs, addr.Encapsulate(self).String())
	}

	data, err := msgpack.Marshal(&PeerAnnouncement{
		PeerID:    pds.host.ID().String(),
		Origin:    pds.origin,
		Addresses: addrStrs,
		Timestamp: pds.clock.Now().Unix(),
	})
	if err != nil {
		pds.logger.ComponentDebug(logging.ComponentBridge, "Failed to marshal peer announcement", zap.Error(err))
		return
	}

	if err := pds.manager.Publish(pds.ctx, DiscoveryTopic, data); err != nil {
		pds.logger.ComponentDebug(logging.ComponentBridge, "Failed to publish peer announcement", zap.Error(err))
		return
	}
	pds.logger.ComponentDebug(logging.ComponentBridge, "Announced peer presence",
		zap.Stringer("peer_id", pds.host.ID()),
		zap.Int("addresses", len(addrStrs)),
	)
}

// handlePeerAnnouncement records the announced addresses and dials the peer
// when not already connected. Announcements from this host or older than
// maxAnnouncementAge are ignored.
func (pds *PeerDiscoveryService) handlePeerAnnouncement(_ string, data []byte) error {
	var announcement PeerAnnouncement
	if err := msgpack.Unmarshal(data, &announcement); err != nil {
		return err
	}

	if announcement.Origin == pds.origin {
		return nil
	}
	if pds.clock.Now().Unix()-announcement.Timestamp > int64(maxAnnouncementAge/time.Second) {
		return nil
	}

	peerID, err := peer.Decode(announcement.PeerID)
	if err != nil {
		return err
	}
	if peerID == pds.host.ID() {
		return nil
	}

	var validAddrs []multiaddr.Multiaddr
	for _, addrStr := range announcement.Addresses {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		validAddrs = append(validAddrs, addr)
	}
	if len(validAddrs) == 0 {
		return nil
	}

	pds.host.Peerstore().AddAddrs(peerID, validAddrs, time.Hour)

	if pds.host.Network().Connectedness(peerID) == network.Connected {
		return nil
	}

	pds.mu.Lock()
	defer pds.mu.Unlock()
	if pds.stopped {
		return nil
	}
	pds.wg.Add(1)
	go pds.tryConnectToPeer(peer.AddrInfo{ID: peerID, Addrs: validAddrs})
	return nil
}

func (pds *PeerDiscoveryService) tryConnectToPeer(info peer.AddrInfo) {
	defer pds.wg.Done()

	ctx, cancel := context.WithTimeout(pds.ctx, connectTimeout)
	defer cancel()

	if err := pds.host.Connect(ctx, info); err != nil {
		pds.logger.ComponentDebug(logging.ComponentBridge, "Failed to connect to discovered peer",
			zap.Stringer("peer_id", info.ID),
			zap.Error(err),
		)
		return
	}

	pds.logger.ComponentInfo(logging.ComponentBridge, "Connected to discovered peer",
		zap.Stringer("peer_id", info.ID),
	)
}
