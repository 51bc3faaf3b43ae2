package discovery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// MDNSService is the mDNS service name used for transfer port hints.
	MDNSService = "_pebble._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 30 * time.Second
	// DefaultMDNSScanTimeout bounds each browse operation.
	DefaultMDNSScanTimeout = 3 * time.Second
)

// MDNSConfig controls the auxiliary mDNS hint exchange. Hints only supply a
// peer's transfer listener port; liveness and identity come exclusively from
// authenticated presence datagrams.
type MDNSConfig struct {
	SelfDeviceID    string
	DisplayName     string
	TransferPort    int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	return out
}

// MDNSHinter advertises the local transfer port over mDNS and feeds
// discovered peer ports back into the peer table.
type MDNSHinter struct {
	cfg    MDNSConfig
	svc    *Service
	log    *logrus.Entry
	server *zeroconf.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartMDNSHinter registers the mDNS record and begins periodic browsing.
func StartMDNSHinter(config MDNSConfig, svc *Service) (*MDNSHinter, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("discovery: self device ID is required")
	}
	if cfg.TransferPort <= 0 {
		return nil, errors.New("discovery: transfer port must be > 0")
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"transfer_port=" + strconv.Itoa(cfg.TransferPort),
	}
	instance := cfg.DisplayName
	if instance == "" {
		instance = cfg.SelfDeviceID
	}

	server, err := zeroconf.Register(instance, MDNSService, MDNSDomain, cfg.TransferPort, txt, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	hinter := &MDNSHinter{
		cfg:    cfg,
		svc:    svc,
		log:    logrus.WithField("component", "mdns"),
		server: server,
		ctx:    ctx,
		cancel: cancel,
	}

	hinter.wg.Add(1)
	go hinter.loop()

	return hinter, nil
}

// Stop shuts down advertising and browsing.
func (h *MDNSHinter) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.server.Shutdown()
	})
}

func (h *MDNSHinter) loop() {
	defer h.wg.Done()

	h.scan()

	ticker := time.NewTicker(h.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.scan()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *MDNSHinter) scan() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		h.log.WithError(err).Debug("create mDNS resolver")
		return
	}

	scanCtx, cancel := context.WithTimeout(h.ctx, h.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if entry == nil {
				continue
			}
			deviceID, port := parseHintEntry(entry)
			if deviceID == "" || deviceID == h.cfg.SelfDeviceID {
				continue
			}
			h.svc.SetTransferPortHint(deviceID, port)
		}
	}()

	if err := resolver.Browse(scanCtx, MDNSService, MDNSDomain, entries); err != nil {
		h.log.WithError(err).Debug("mDNS browse")
		return
	}

	<-scanCtx.Done()
	<-done
}

func parseHintEntry(entry *zeroconf.ServiceEntry) (deviceID string, port int) {
	port = entry.Port
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch strings.TrimSpace(parts[0]) {
		case "device_id":
			deviceID = strings.TrimSpace(parts[1])
		case "transfer_port":
			if parsed, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && parsed > 0 {
				port = parsed
			}
		}
	}
	return deviceID, port
}
