// Package core wires discovery, identity, storage, and transfer into the
// sync engine the control surface talks to.
package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pebble/config"
	"pebble/discovery"
	"pebble/identity"
	"pebble/storage"
	"pebble/transfer"
)

var (
	// ErrNotPaired indicates an operation that needs a pairing secret before
	// the device has one.
	ErrNotPaired = errors.New("core: device has no pairing secret yet")
	// ErrPeerUnavailable indicates the target peer is not currently present
	// on the LAN.
	ErrPeerUnavailable = errors.New("core: peer is not reachable")
	// ErrDiscoveryNotStarted indicates peer operations before StartDiscovery.
	ErrDiscoveryNotStarted = errors.New("core: discovery is not running")
	// ErrInvalidChange indicates a malformed watcher change event.
	ErrInvalidChange = errors.New("core: invalid change event")
)

// peerResolver is the slice of the discovery service the sync path needs.
type peerResolver interface {
	Lookup(deviceID string) (discovery.Peer, bool)
	Peers() []discovery.Peer
}

// Core owns the long-lived services and exposes the sync operations.
type Core struct {
	cfg     *config.DeviceConfig
	cfgPath string
	certs   *identity.CertificateManager
	store   *storage.Store
	engine  *transfer.Engine
	log     *logrus.Entry

	mu        sync.Mutex
	disc      *discovery.Service
	hinter    *discovery.MDNSHinter
	resolver  peerResolver
	cancelled map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a core around already-opened dependencies. The transfer
// engine must already be listening.
func New(cfg *config.DeviceConfig, cfgPath string, certs *identity.CertificateManager, store *storage.Store, engine *transfer.Engine) *Core {
	return &Core{
		cfg:       cfg,
		cfgPath:   cfgPath,
		certs:     certs,
		store:     store,
		engine:    engine,
		log:       logrus.WithField("component", "core"),
		cancelled: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// StartDiscovery derives the presence MAC key from the pairing secret and
// starts broadcasting and listening. It fails before the first pairing.
func (c *Core) StartDiscovery() error {
	secret, err := c.sharedSecret()
	if err != nil {
		return err
	}
	macKey, err := identity.DeriveDiscoveryMACKey(secret)
	if err != nil {
		return err
	}

	deviceID, err := parseDeviceID(c.cfg.DeviceID)
	if err != nil {
		return err
	}

	svc, err := discovery.NewService(discovery.Config{
		DeviceID:            deviceID,
		DisplayName:         c.cfg.DeviceName,
		MACKey:              macKey,
		Port:                c.cfg.DiscoveryPort,
		DefaultTransferPort: c.cfg.TransferPort,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	// mDNS hints are auxiliary; failure to advertise only costs non-default
	// transfer ports, so it is logged rather than fatal.
	hinter, err := discovery.StartMDNSHinter(discovery.MDNSConfig{
		SelfDeviceID: c.cfg.DeviceID,
		DisplayName:  c.cfg.DeviceName,
		TransferPort: c.cfg.TransferPort,
	}, svc)
	if err != nil {
		c.log.WithError(err).Warn("mDNS transfer port hints unavailable")
		hinter = nil
	}

	c.mu.Lock()
	c.disc = svc
	c.hinter = hinter
	c.resolver = svc
	c.mu.Unlock()

	c.wg.Add(1)
	go c.drainEvents(svc)
	return nil
}

// Stop shuts down discovery and the retry machinery. The transfer engine and
// store are owned by the caller.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		disc, hinter := c.disc, c.hinter
		c.mu.Unlock()
		if hinter != nil {
			hinter.Stop()
		}
		if disc != nil {
			disc.Stop()
		}
		c.wg.Wait()
	})
}

// CurrentPeers snapshots the authenticated peer table.
func (c *Core) CurrentPeers() ([]discovery.Peer, error) {
	c.mu.Lock()
	resolver := c.resolver
	c.mu.Unlock()
	if resolver == nil {
		return nil, ErrDiscoveryNotStarted
	}
	return resolver.Peers(), nil
}

// DiscoveryStats reports dropped-datagram counters, zero before start.
func (c *Core) DiscoveryStats() discovery.Stats {
	c.mu.Lock()
	disc := c.disc
	c.mu.Unlock()
	if disc == nil {
		return discovery.Stats{}
	}
	return disc.DroppedStats()
}

// Engine exposes the transfer engine; its listener lifecycle belongs to the
// caller that constructed it.
func (c *Core) Engine() *transfer.Engine {
	return c.engine
}

// Identity returns the local device id and display name.
func (c *Core) Identity() (deviceID, deviceName string) {
	return c.cfg.DeviceID, c.cfg.DeviceName
}

// Fingerprint exposes the local certificate fingerprint for out-of-band
// verification.
func (c *Core) Fingerprint() identity.Fingerprint {
	return c.certs.Fingerprint()
}

// CreatePairingPayload produces the encoded record a peer imports to pair
// with this device, generating and persisting the shared secret on first use.
func (c *Core) CreatePairingPayload() (string, error) {
	secret, err := c.sharedSecret()
	if errors.Is(err, ErrNotPaired) {
		secret, err = identity.NewSharedSecret()
		if err != nil {
			return "", err
		}
		if err := c.adoptSharedSecret(secret); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	return identity.EncodePairingPayload(c.cfg.DeviceID, c.cfg.DeviceName, c.certs.Fingerprint(), secret)
}

// PairWithPeer imports a peer's pairing payload: the certificate pin is
// stored and the peer's shared secret becomes this device's discovery
// secret, joining its broadcast group.
func (c *Core) PairWithPeer(encoded string) (identity.PairingPayload, error) {
	payload, secret, err := identity.DecodePairingPayload(encoded)
	if err != nil {
		return identity.PairingPayload{}, err
	}

	if err := c.store.SavePairedPeer(storage.PairedPeer{
		DeviceID:        payload.DeviceID,
		DisplayName:     payload.DisplayName,
		CertFingerprint: payload.Fingerprint,
	}); err != nil {
		return identity.PairingPayload{}, fmt.Errorf("persist paired peer: %w", err)
	}
	if err := c.adoptSharedSecret(secret); err != nil {
		return identity.PairingPayload{}, err
	}

	c.log.WithFields(logrus.Fields{
		"peer_device_id": payload.DeviceID,
		"peer_name":      payload.DisplayName,
	}).Info("paired with peer")
	return payload, nil
}

func (c *Core) sharedSecret() ([]byte, error) {
	c.mu.Lock()
	encoded := c.cfg.SharedSecret
	c.mu.Unlock()
	if encoded == "" {
		return nil, ErrNotPaired
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stored shared secret: %w", err)
	}
	return secret, nil
}

func (c *Core) adoptSharedSecret(secret []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.SharedSecret = base64.StdEncoding.EncodeToString(secret)
	if c.cfgPath == "" {
		return nil
	}
	if err := config.Save(c.cfgPath, c.cfg); err != nil {
		return fmt.Errorf("persist shared secret: %w", err)
	}
	return nil
}

func parseDeviceID(raw string) (uuid.UUID, error) {
	deviceID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse device id %q: %w", raw, err)
	}
	return deviceID, nil
}

func (c *Core) drainEvents(svc *discovery.Service) {
	defer c.wg.Done()
	for event := range svc.Events() {
		c.log.WithFields(logrus.Fields{
			"event":     string(event.Type),
			"device_id": event.Peer.DeviceID,
			"name":      event.Peer.DisplayName,
		}).Debug("peer table update")
	}
}
