package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetSession(t *testing.T) {
	store := newTestStore(t)

	session := SessionRecord{
		SessionID:      "session-1",
		FileID:         "file-1",
		Direction:      DirectionSend,
		PeerDeviceID:   "peer-1",
		TotalChunks:    10,
		LastAckedChunk: -1,
		State:          SessionHandshaking,
		UpdatedAt:      1700000000000,
	}
	require.NoError(t, store.SaveSession(session))

	got, err := store.GetSession("session-1")
	require.NoError(t, err)
	assert.Equal(t, session, *got)

	session.State = SessionCompleted
	session.LastAckedChunk = 9
	require.NoError(t, store.SaveSession(session))

	got, err = store.GetSession("session-1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.State)
	assert.Equal(t, 9, got.LastAckedChunk)
}

func TestGetSessionMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSessionValidation(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.SaveSession(SessionRecord{}))
	assert.Error(t, store.SaveSession(SessionRecord{
		SessionID:    "s",
		FileID:       "f",
		PeerDeviceID: "p",
		Direction:    "sideways",
		State:        SessionPaused,
	}))
	assert.Error(t, store.SaveSession(SessionRecord{
		SessionID:    "s",
		FileID:       "f",
		PeerDeviceID: "p",
		Direction:    DirectionSend,
		State:        "done-ish",
	}))
}

func TestCheckpointMonotonicAdvance(t *testing.T) {
	store := newTestStore(t)

	cp := Checkpoint{
		FileID:         "file-1",
		PeerDeviceID:   "peer-1",
		Direction:      DirectionReceive,
		LastAckedChunk: 4,
		TotalChunks:    10,
		TempPath:       "/tmp/file-1.part",
	}
	require.NoError(t, store.AdvanceCheckpoint(cp))

	// A stale write with a lower index must not move the checkpoint back.
	cp.LastAckedChunk = 2
	require.NoError(t, store.AdvanceCheckpoint(cp))

	got, err := store.GetCheckpoint("file-1", "peer-1", DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, 4, got.LastAckedChunk)

	cp.LastAckedChunk = 7
	require.NoError(t, store.AdvanceCheckpoint(cp))
	got, err = store.GetCheckpoint("file-1", "peer-1", DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, 7, got.LastAckedChunk)
}

func TestCheckpointPerDirection(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AdvanceCheckpoint(Checkpoint{
		FileID:         "file-1",
		PeerDeviceID:   "peer-1",
		Direction:      DirectionSend,
		LastAckedChunk: 3,
	}))
	require.NoError(t, store.AdvanceCheckpoint(Checkpoint{
		FileID:         "file-1",
		PeerDeviceID:   "peer-1",
		Direction:      DirectionReceive,
		LastAckedChunk: 8,
	}))

	send, err := store.GetCheckpoint("file-1", "peer-1", DirectionSend)
	require.NoError(t, err)
	assert.Equal(t, 3, send.LastAckedChunk)

	recv, err := store.GetCheckpoint("file-1", "peer-1", DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, 8, recv.LastAckedChunk)
}

func TestDeleteCheckpoint(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AdvanceCheckpoint(Checkpoint{
		FileID:         "file-1",
		PeerDeviceID:   "peer-1",
		Direction:      DirectionReceive,
		LastAckedChunk: 1,
	}))
	require.NoError(t, store.DeleteCheckpoint("file-1", "peer-1", DirectionReceive))

	_, err := store.GetCheckpoint("file-1", "peer-1", DirectionReceive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPairedPeerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePairedPeer(PairedPeer{
		DeviceID:        "peer-1",
		DisplayName:     "laptop",
		CertFingerprint: "ff00ff00",
	}))

	peer, err := store.GetPairedPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", peer.DisplayName)
	assert.Equal(t, "ff00ff00", peer.CertFingerprint)
	assert.NotZero(t, peer.PairedAt)

	// Re-pairing replaces the pin.
	require.NoError(t, store.SavePairedPeer(PairedPeer{
		DeviceID:        "peer-1",
		DisplayName:     "laptop",
		CertFingerprint: "00ff00ff",
	}))
	peer, err = store.GetPairedPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "00ff00ff", peer.CertFingerprint)

	_, err = store.GetPairedPeer("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
