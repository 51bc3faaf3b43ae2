package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the well-known discovery UDP port.
	DefaultPort = 37845
	// DefaultBroadcastInterval is the presence beacon period.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultPresenceTimeout removes peers with no valid beacon for this long.
	DefaultPresenceTimeout = 15 * time.Second
	// DefaultReplayWindow is the maximum accepted beacon timestamp skew.
	DefaultReplayWindow = 30 * time.Second
	// DefaultReapInterval is the reaper tick.
	DefaultReapInterval = 2 * time.Second

	maxDatagramSize = 2048
)

const (
	// EventPeerFound is emitted when a previously unknown peer authenticates.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when the reaper removes a timed-out peer.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer table updates.
type EventType string

// Event carries peer table updates for external observers.
type Event struct {
	Type EventType
	Peer Peer
}

// Stats counts silently dropped datagrams for observability.
type Stats struct {
	DroppedMalformed uint64
	DroppedBadMAC    uint64
	DroppedReplayed  uint64
	DroppedSelf      uint64
}

// Config controls the discovery service.
type Config struct {
	DeviceID    uuid.UUID
	DisplayName string

	// MACKey authenticates presence datagrams. Derived from the paired
	// shared secret, never the raw secret itself.
	MACKey []byte

	Port              int
	BroadcastAddr     string
	BroadcastInterval time.Duration
	PresenceTimeout   time.Duration
	ReplayWindow      time.Duration
	ReapInterval      time.Duration

	// DefaultTransferPort seeds new peer entries until an mDNS hint arrives.
	DefaultTransferPort int

	now func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.BroadcastAddr == "" {
		out.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", out.Port)
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.PresenceTimeout <= 0 {
		out.PresenceTimeout = DefaultPresenceTimeout
	}
	if out.ReplayWindow <= 0 {
		out.ReplayWindow = DefaultReplayWindow
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = DefaultReapInterval
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Service broadcasts local presence and maintains the peer table from
// authenticated datagrams received on the discovery port.
type Service struct {
	cfg   Config
	table *peerTable
	log   *logrus.Entry

	listenConn *net.UDPConn
	sendConn   net.PacketConn
	sendAddr   *net.UDPAddr

	events chan Event

	droppedMalformed atomic.Uint64
	droppedBadMAC    atomic.Uint64
	droppedReplayed  atomic.Uint64
	droppedSelf      atomic.Uint64

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService validates config and creates a stopped service.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.DeviceID == uuid.Nil {
		return nil, errors.New("discovery: device ID is required")
	}
	if cfg.DisplayName == "" {
		return nil, errors.New("discovery: display name is required")
	}
	if len(cfg.MACKey) == 0 {
		return nil, errors.New("discovery: MAC key is required")
	}

	staleAfter := 2 * cfg.BroadcastInterval
	return &Service{
		cfg:    cfg,
		table:  newPeerTable(staleAfter, cfg.DefaultTransferPort, cfg.now),
		log:    logrus.WithField("component", "discovery"),
		events: make(chan Event, 128),
		stop:   make(chan struct{}),
	}, nil
}

// Start binds the sockets and launches the broadcaster, listener, and reaper.
// A bind failure is fatal and returned to the caller.
func (s *Service) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
		if err != nil {
			startErr = fmt.Errorf("bind discovery port %d: %w", s.cfg.Port, err)
			return
		}

		sendAddr, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
		if err != nil {
			_ = listenConn.Close()
			startErr = fmt.Errorf("resolve broadcast address %q: %w", s.cfg.BroadcastAddr, err)
			return
		}
		sendConn, err := listenBroadcastSender()
		if err != nil {
			_ = listenConn.Close()
			startErr = fmt.Errorf("open broadcast socket: %w", err)
			return
		}

		s.listenConn = listenConn
		s.sendConn = sendConn
		s.sendAddr = sendAddr

		s.wg.Add(3)
		go s.broadcastLoop()
		go s.listenLoop()
		go s.reapLoop()

		s.log.WithFields(logrus.Fields{
			"port":      s.cfg.Port,
			"broadcast": s.cfg.BroadcastAddr,
			"interval":  s.cfg.BroadcastInterval,
		}).Info("discovery service started")
	})
	return startErr
}

// Stop shuts the service down and closes the event channel.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listenConn != nil {
			_ = s.listenConn.Close()
		}
		if s.sendConn != nil {
			_ = s.sendConn.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous peer table updates.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Peers returns a point-in-time snapshot of the peer table.
func (s *Service) Peers() []Peer {
	return s.table.snapshot()
}

// Lookup returns one peer snapshot by device id.
func (s *Service) Lookup(deviceID string) (Peer, bool) {
	return s.table.lookup(deviceID)
}

// SetTransferPortHint applies an out-of-band transfer port hint for a peer.
func (s *Service) SetTransferPortHint(deviceID string, port int) {
	s.table.setTransferPort(deviceID, port)
}

// DroppedStats returns counters for silently discarded datagrams.
func (s *Service) DroppedStats() Stats {
	return Stats{
		DroppedMalformed: s.droppedMalformed.Load(),
		DroppedBadMAC:    s.droppedBadMAC.Load(),
		DroppedReplayed:  s.droppedReplayed.Load(),
		DroppedSelf:      s.droppedSelf.Load(),
	}
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	s.sendBeacon()
	for {
		select {
		case <-ticker.C:
			s.sendBeacon()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) sendBeacon() {
	datagram, err := EncodePresence(Presence{
		DeviceID:        s.cfg.DeviceID,
		DisplayName:     s.cfg.DisplayName,
		TimestampMillis: s.cfg.now().UnixMilli(),
	}, s.cfg.MACKey)
	if err != nil {
		s.log.WithError(err).Error("encode presence beacon")
		return
	}

	// A transient send failure is logged and retried on the next tick.
	if _, err := s.sendConn.WriteTo(datagram, s.sendAddr); err != nil {
		s.log.WithError(err).Debug("send presence beacon")
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := s.listenConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.WithError(err).Debug("read discovery datagram")
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, remote.IP)
	}
}

// handleDatagram authenticates one datagram and upserts the peer table.
// Invalid datagrams are dropped without surfacing an error.
func (s *Service) handleDatagram(datagram []byte, source net.IP) {
	presence, err := DecodePresence(datagram, s.cfg.MACKey)
	if err != nil {
		if errors.Is(err, ErrBadMAC) {
			s.droppedBadMAC.Add(1)
		} else {
			s.droppedMalformed.Add(1)
		}
		return
	}

	if presence.DeviceID == s.cfg.DeviceID {
		s.droppedSelf.Add(1)
		return
	}

	skew := s.cfg.now().UnixMilli() - presence.TimestampMillis
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > s.cfg.ReplayWindow {
		s.droppedReplayed.Add(1)
		return
	}

	peer, isNew := s.table.upsert(presence.DeviceID.String(), presence.DisplayName, source)
	if isNew {
		s.log.WithFields(logrus.Fields{
			"device_id": peer.DeviceID,
			"name":      peer.DisplayName,
			"address":   peer.Address.String(),
		}).Info("peer discovered")
		s.emit(Event{Type: EventPeerFound, Peer: peer})
	}
}

func (s *Service) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, peer := range s.table.reap(s.cfg.PresenceTimeout) {
				s.log.WithFields(logrus.Fields{
					"device_id": peer.DeviceID,
					"name":      peer.DisplayName,
				}).Info("peer lost")
				s.emit(Event{Type: EventPeerLost, Peer: peer})
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// listenBroadcastSender opens a UDP socket with SO_BROADCAST set so beacons
// can go to the limited broadcast address.
func listenBroadcastSender() (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setBroadcastOption(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), "udp4", ":0")
}
