package discovery

import (
	"net"
	"sort"
	"sync"
	"time"
)

// PeerStatus is derived purely from the age of the last valid presence
// message; nothing writes it directly.
type PeerStatus string

const (
	// PeerOnline means a presence message arrived within two broadcast intervals.
	PeerOnline PeerStatus = "online"
	// PeerStale means the peer is still tracked but has missed recent broadcasts.
	PeerStale PeerStatus = "stale"
)

// Peer is a point-in-time snapshot of one table entry.
type Peer struct {
	DeviceID     string
	DisplayName  string
	Address      net.IP
	TransferPort int
	LastSeenAt   time.Time
	Status       PeerStatus
}

type tableEntry struct {
	displayName  string
	address      net.IP
	transferPort int
	lastSeenAt   time.Time
}

// peerTable is the single serialization point for all peer state. The
// listener upserts, the reaper removes, readers snapshot; every path goes
// through the one mutex.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*tableEntry

	staleAfter  time.Duration
	defaultPort int

	now func() time.Time
}

func newPeerTable(staleAfter time.Duration, defaultPort int, now func() time.Time) *peerTable {
	if now == nil {
		now = time.Now
	}
	return &peerTable{
		peers:       make(map[string]*tableEntry),
		staleAfter:  staleAfter,
		defaultPort: defaultPort,
		now:         now,
	}
}

// upsert records a valid presence message and returns a snapshot of the
// entry taken under the same lock, so a concurrent reap cannot race between
// the write and the read. The bool is true when the peer is new.
func (t *peerTable) upsert(deviceID, displayName string, addr net.IP) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.peers[deviceID]
	if !exists {
		entry = &tableEntry{transferPort: t.defaultPort}
		t.peers[deviceID] = entry
	}
	entry.displayName = displayName
	entry.address = addr
	entry.lastSeenAt = t.now()
	return t.snapshotEntryLocked(deviceID, entry, entry.lastSeenAt), !exists
}

// setTransferPort applies an mDNS port hint without touching liveness.
func (t *peerTable) setTransferPort(deviceID string, port int) {
	if port <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.peers[deviceID]; ok {
		entry.transferPort = port
	}
}

// reap removes entries whose lastSeenAt is older than timeout and returns
// snapshots of the removed peers.
func (t *peerTable) reap(timeout time.Duration) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var lost []Peer
	for id, entry := range t.peers {
		if now.Sub(entry.lastSeenAt) > timeout {
			lost = append(lost, t.snapshotEntryLocked(id, entry, now))
			delete(t.peers, id)
		}
	}
	return lost
}

// snapshot returns all peers sorted by display name then device id.
func (t *peerTable) snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Peer, 0, len(t.peers))
	for id, entry := range t.peers {
		out = append(out, t.snapshotEntryLocked(id, entry, now))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// lookup returns one peer snapshot by device id.
func (t *peerTable) lookup(deviceID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.peers[deviceID]
	if !ok {
		return Peer{}, false
	}
	return t.snapshotEntryLocked(deviceID, entry, t.now()), true
}

func (t *peerTable) snapshotEntryLocked(id string, entry *tableEntry, now time.Time) Peer {
	status := PeerOnline
	if now.Sub(entry.lastSeenAt) > t.staleAfter {
		status = PeerStale
	}
	addr := make(net.IP, len(entry.address))
	copy(addr, entry.address)
	return Peer{
		DeviceID:     id,
		DisplayName:  entry.displayName,
		Address:      addr,
		TransferPort: entry.transferPort,
		LastSeenAt:   entry.lastSeenAt,
		Status:       status,
	}
}
