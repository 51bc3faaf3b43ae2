package core

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pebble/config"
	"pebble/discovery"
	"pebble/hashing"
	"pebble/identity"
	"pebble/storage"
	"pebble/transfer"
)

type testHarness struct {
	core      *Core
	cfg       *config.DeviceConfig
	certs     *identity.CertificateManager
	store     *storage.Store
	engine    *transfer.Engine
	downloads string
	dir       string
}

func newTestHarness(t *testing.T, name string) *testHarness {
	t.Helper()
	dir := t.TempDir()

	certs, err := identity.LoadOrCreate(
		filepath.Join(dir, "cert.pem"),
		filepath.Join(dir, "key.pem"),
		name, name,
	)
	require.NoError(t, err)

	store, err := storage.OpenPath(filepath.Join(dir, "pebble.db"))
	require.NoError(t, err)

	downloads := filepath.Join(dir, "downloads")
	require.NoError(t, os.MkdirAll(downloads, 0o755))

	engine := transfer.NewEngine(transfer.Config{
		DeviceID:         name,
		DownloadsDir:     downloads,
		ChunkSize:        1024,
		HandshakeTimeout: 5 * time.Second,
		AckTimeout:       5 * time.Second,
	}, certs, store)
	require.NoError(t, engine.Start("127.0.0.1:0"))

	cfg := &config.DeviceConfig{
		DeviceID:   "7d2c1f43-9a1b-4a6f-8c2e-000000000000",
		DeviceName: name,
	}
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	c := New(cfg, cfgPath, certs, store, engine)
	t.Cleanup(func() {
		c.Stop()
		engine.Stop()
		_ = store.Close()
	})
	return &testHarness{core: c, cfg: cfg, certs: certs, store: store, engine: engine, downloads: downloads, dir: dir}
}

type fakeResolver struct {
	peers map[string]discovery.Peer
}

func (f *fakeResolver) Lookup(deviceID string) (discovery.Peer, bool) {
	peer, ok := f.peers[deviceID]
	return peer, ok
}

func (f *fakeResolver) Peers() []discovery.Peer {
	out := make([]discovery.Peer, 0, len(f.peers))
	for _, peer := range f.peers {
		out = append(out, peer)
	}
	return out
}

func resolverFor(t *testing.T, deviceID string, engine *transfer.Engine) *fakeResolver {
	t.Helper()
	addr, ok := engine.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return &fakeResolver{peers: map[string]discovery.Peer{
		deviceID: {
			DeviceID:     deviceID,
			DisplayName:  deviceID,
			Address:      addr.IP,
			TransferPort: addr.Port,
			Status:       discovery.PeerOnline,
		},
	}}
}

func TestHandleChangeEventLifecycle(t *testing.T) {
	h := newTestHarness(t, "alice")

	data := []byte("tracked file content")
	path := filepath.Join(h.dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	hash := hashing.Sum(data).Hex()

	record, err := h.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hash,
		SizeBytes:      int64(len(data)),
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, storage.SyncPending, record.SyncStatus)

	// Same hash again keeps the record untouched.
	require.NoError(t, h.store.UpdateSyncStatus(record.FileID, storage.SyncSynced))
	same, err := h.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeModified,
		AbsolutePath:   path,
		NewContentHash: hash,
	})
	require.NoError(t, err)
	assert.Equal(t, record.FileID, same.FileID)
	assert.Equal(t, storage.SyncSynced, same.SyncStatus)

	// New content resets the record to pending under the same file id.
	newHash := hashing.Sum([]byte("changed")).Hex()
	changed, err := h.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeModified,
		AbsolutePath:   path,
		NewContentHash: newHash,
	})
	require.NoError(t, err)
	assert.Equal(t, record.FileID, changed.FileID)
	assert.Equal(t, storage.SyncPending, changed.SyncStatus)
	assert.Equal(t, newHash, changed.ContentHash)

	gone, err := h.core.HandleChangeEvent(ChangeEvent{Type: ChangeDeleted, AbsolutePath: path})
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = h.store.GetFile(record.FileID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.core.HandleChangeEvent(ChangeEvent{Type: "renamed", AbsolutePath: path})
	assert.Error(t, err)
	_, err = h.core.HandleChangeEvent(ChangeEvent{Type: ChangeCreated, AbsolutePath: path, NewContentHash: "zz"})
	assert.Error(t, err)
}

func TestPairingExchangesSecretAndPin(t *testing.T) {
	alice := newTestHarness(t, "alice")
	bob := newTestHarness(t, "bob")
	bob.cfg.DeviceID = "11111111-2222-3333-4444-555555555555"

	payload, err := alice.core.CreatePairingPayload()
	require.NoError(t, err)
	require.NotEmpty(t, alice.cfg.SharedSecret)

	decoded, err := bob.core.PairWithPeer(payload)
	require.NoError(t, err)
	assert.Equal(t, alice.cfg.DeviceID, decoded.DeviceID)

	// Bob now pins Alice's certificate and shares her discovery secret.
	pinned, err := bob.store.GetPairedPeer(alice.cfg.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, string(alice.certs.Fingerprint()), pinned.CertFingerprint)
	assert.Equal(t, alice.cfg.SharedSecret, bob.cfg.SharedSecret)

	// The secret survives a reload of the config file.
	reloaded, err := config.Load(filepath.Join(bob.dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, alice.cfg.SharedSecret, reloaded.SharedSecret)
}

func TestEnqueueSyncDeliversFile(t *testing.T) {
	alice := newTestHarness(t, "alice")
	bob := newTestHarness(t, "bob")

	alice.core.resolver = resolverFor(t, "bob-device", bob.engine)
	require.NoError(t, alice.store.SavePairedPeer(storage.PairedPeer{
		DeviceID:        "bob-device",
		DisplayName:     "bob",
		CertFingerprint: string(bob.certs.Fingerprint()),
	}))

	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for two kilobytes or so")
	path := filepath.Join(alice.dir, "fox.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	record, err := alice.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hashing.Sum(data).Hex(),
		SizeBytes:      int64(len(data)),
	})
	require.NoError(t, err)

	progress, err := alice.core.EnqueueSync(record.FileID, "bob-device")
	require.NoError(t, err)
	require.NotEmpty(t, progress.SessionID)

	require.Eventually(t, func() bool {
		p, err := alice.core.SessionProgress(progress.SessionID)
		return err == nil && p.State == storage.SessionCompleted
	}, 10*time.Second, 20*time.Millisecond)

	sent, err := alice.store.GetFile(record.FileID)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncSynced, sent.SyncStatus)

	received, err := os.ReadFile(filepath.Join(bob.downloads, record.FileID+"_fox.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, received)
}

func TestEnqueueSyncUnknownPeer(t *testing.T) {
	alice := newTestHarness(t, "alice")

	data := []byte("content")
	path := filepath.Join(alice.dir, "file.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	record, err := alice.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hashing.Sum(data).Hex(),
	})
	require.NoError(t, err)

	_, err = alice.core.EnqueueSync(record.FileID, "nobody")
	assert.ErrorIs(t, err, ErrDiscoveryNotStarted)

	alice.core.resolver = &fakeResolver{peers: map[string]discovery.Peer{}}
	_, err = alice.core.EnqueueSync(record.FileID, "nobody")
	assert.ErrorIs(t, err, ErrPeerUnavailable)

	_, err = alice.core.EnqueueSync("missing-file", "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetryBudgetExhaustedResetsFileToPending(t *testing.T) {
	alice := newTestHarness(t, "alice")

	// An address nothing listens on pauses the outbound session on dial.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	data := []byte("undeliverable")
	path := filepath.Join(alice.dir, "stuck.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	record, err := alice.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hashing.Sum(data).Hex(),
	})
	require.NoError(t, err)
	require.NoError(t, alice.store.UpdateSyncStatus(record.FileID, storage.SyncSyncing))

	sess, err := alice.engine.Send(transfer.SendRequest{
		FileID:       uuid.MustParse(record.FileID),
		Path:         path,
		ContentHash:  hashing.Sum(data),
		PeerDeviceID: "bob-device",
		PeerAddr:     deadAddr,
	})
	require.NoError(t, err)

	// A backoff that refuses immediately stands in for an exhausted budget.
	alice.core.wg.Add(1)
	go alice.core.watchOutbound(record.FileID, "bob-device", sess, &backoff.StopBackOff{})

	require.Eventually(t, func() bool {
		got, err := alice.store.GetFile(record.FileID)
		return err == nil && got.SyncStatus == storage.SyncPending
	}, 10*time.Second, 20*time.Millisecond)
}

func TestEnqueueSyncAttachesToActiveSession(t *testing.T) {
	alice := newTestHarness(t, "alice")

	stall, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer stall.Close()
	go func() {
		for {
			conn, err := stall.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	stallAddr := stall.Addr().(*net.TCPAddr)
	alice.core.resolver = &fakeResolver{peers: map[string]discovery.Peer{
		"bob-device": {
			DeviceID:     "bob-device",
			Address:      stallAddr.IP,
			TransferPort: stallAddr.Port,
			Status:       discovery.PeerOnline,
		},
	}}

	data := []byte("attach me")
	path := filepath.Join(alice.dir, "attach.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	record, err := alice.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hashing.Sum(data).Hex(),
	})
	require.NoError(t, err)

	first, err := alice.core.EnqueueSync(record.FileID, "bob-device")
	require.NoError(t, err)

	// The duplicate enqueue observes the running session, not a new one.
	second, err := alice.core.EnqueueSync(record.FileID, "bob-device")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestCancelSessionSuppressesRetry(t *testing.T) {
	alice := newTestHarness(t, "alice")

	// A listener that accepts but never speaks TLS keeps the session in its
	// handshake until cancelled.
	stall, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer stall.Close()
	go func() {
		for {
			conn, err := stall.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	stallAddr := stall.Addr().(*net.TCPAddr)
	alice.core.resolver = &fakeResolver{peers: map[string]discovery.Peer{
		"bob-device": {
			DeviceID:     "bob-device",
			Address:      stallAddr.IP,
			TransferPort: stallAddr.Port,
			Status:       discovery.PeerOnline,
		},
	}}

	data := []byte("stalled content")
	path := filepath.Join(alice.dir, "stall.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	record, err := alice.core.HandleChangeEvent(ChangeEvent{
		Type:           ChangeCreated,
		AbsolutePath:   path,
		NewContentHash: hashing.Sum(data).Hex(),
	})
	require.NoError(t, err)

	progress, err := alice.core.EnqueueSync(record.FileID, "bob-device")
	require.NoError(t, err)

	require.NoError(t, alice.core.CancelSession(progress.SessionID))
	require.Eventually(t, func() bool {
		p, err := alice.core.SessionProgress(progress.SessionID)
		return err == nil && p.State == storage.SessionPaused
	}, 10*time.Second, 20*time.Millisecond)

	// A cancelled session must not be silently re-enqueued.
	time.Sleep(100 * time.Millisecond)
	for _, p := range alice.core.Sessions() {
		if p.SessionID != progress.SessionID {
			assert.NotEqual(t, record.FileID, p.FileID)
		}
	}
}
