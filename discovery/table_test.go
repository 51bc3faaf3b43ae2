package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the table's notion of now for deterministic reap tests.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestTable(clock *fakeClock) *peerTable {
	return newPeerTable(10*time.Second, 37846, clock.now)
}

func TestUpsertAndSnapshot(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	table := newTestTable(clock)

	peer, isNew := table.upsert("peer-1", "laptop", net.IPv4(192, 168, 1, 10))
	assert.True(t, isNew)
	assert.Equal(t, "peer-1", peer.DeviceID)
	assert.Equal(t, PeerOnline, peer.Status)
	_, isNew = table.upsert("peer-1", "laptop", net.IPv4(192, 168, 1, 11))
	assert.False(t, isNew)

	peers := table.snapshot()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-1", peers[0].DeviceID)
	assert.Equal(t, "192.168.1.11", peers[0].Address.String())
	assert.Equal(t, PeerOnline, peers[0].Status)
	assert.Equal(t, 37846, peers[0].TransferPort)
}

func TestStatusDerivedFromLastSeen(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	table := newTestTable(clock)
	table.upsert("peer-1", "laptop", net.IPv4(10, 0, 0, 2))

	clock.advance(9 * time.Second)
	peer, ok := table.lookup("peer-1")
	require.True(t, ok)
	assert.Equal(t, PeerOnline, peer.Status)

	clock.advance(2 * time.Second)
	peer, ok = table.lookup("peer-1")
	require.True(t, ok)
	assert.Equal(t, PeerStale, peer.Status)

	// A fresh beacon flips it back without any direct status write.
	table.upsert("peer-1", "laptop", net.IPv4(10, 0, 0, 2))
	peer, _ = table.lookup("peer-1")
	assert.Equal(t, PeerOnline, peer.Status)
}

func TestReapRemovesOnlyTimedOutPeers(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	table := newTestTable(clock)

	table.upsert("old", "old device", net.IPv4(10, 0, 0, 2))
	clock.advance(10 * time.Second)
	table.upsert("fresh", "fresh device", net.IPv4(10, 0, 0, 3))
	clock.advance(6 * time.Second)

	lost := table.reap(15 * time.Second)
	require.Len(t, lost, 1)
	assert.Equal(t, "old", lost[0].DeviceID)

	peers := table.snapshot()
	require.Len(t, peers, 1)
	assert.Equal(t, "fresh", peers[0].DeviceID)

	// Nothing further to reap until more time passes.
	assert.Empty(t, table.reap(15*time.Second))
}

func TestSetTransferPortHint(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	table := newTestTable(clock)

	// Hints for unknown peers are ignored.
	table.setTransferPort("peer-1", 40000)
	_, ok := table.lookup("peer-1")
	assert.False(t, ok)

	table.upsert("peer-1", "laptop", net.IPv4(10, 0, 0, 2))
	table.setTransferPort("peer-1", 40000)
	table.setTransferPort("peer-1", 0)

	peer, ok := table.lookup("peer-1")
	require.True(t, ok)
	assert.Equal(t, 40000, peer.TransferPort)
}

func TestSnapshotSorted(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	table := newTestTable(clock)

	table.upsert("b-id", "zulu", net.IPv4(10, 0, 0, 2))
	table.upsert("a-id", "alpha", net.IPv4(10, 0, 0, 3))

	peers := table.snapshot()
	require.Len(t, peers, 2)
	assert.Equal(t, "alpha", peers[0].DisplayName)
	assert.Equal(t, "zulu", peers[1].DisplayName)
}
