package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pebble/hashing"
	"pebble/identity"
	"pebble/storage"
	"pebble/transfer"
)

// Change event types reported by the external file watcher.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// ChangeEvent is one watcher notification about a local file.
type ChangeEvent struct {
	Type           string `json:"type"`
	AbsolutePath   string `json:"absolute_path"`
	NewContentHash string `json:"new_content_hash,omitempty"`
	SizeBytes      int64  `json:"size_bytes,omitempty"`
	ModifiedAt     int64  `json:"modified_at,omitempty"`
}

// HandleChangeEvent applies a watcher notification to the file table.
// Created and modified files become Pending with the new content hash;
// deleted files drop their record and checkpoints. The returned record is
// nil for deletions.
func (c *Core) HandleChangeEvent(event ChangeEvent) (*storage.FileRecord, error) {
	if event.AbsolutePath == "" {
		return nil, fmt.Errorf("%w: absolute path is required", ErrInvalidChange)
	}

	existing, err := c.store.GetFileByPath(event.AbsolutePath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	switch event.Type {
	case ChangeDeleted:
		if existing == nil {
			return nil, nil
		}
		if err := c.store.DeleteFile(existing.FileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		c.log.WithField("path", event.AbsolutePath).Info("file untracked")
		return nil, nil

	case ChangeCreated, ChangeModified:
		if event.NewContentHash == "" {
			return nil, fmt.Errorf("%w: content hash is required", ErrInvalidChange)
		}
		if _, err := hashing.ParseHex(event.NewContentHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}

		fileID := uuid.NewString()
		if existing != nil {
			if existing.ContentHash == event.NewContentHash {
				// No content change; keep the current sync status.
				return existing, nil
			}
			fileID = existing.FileID
		}

		modifiedAt := event.ModifiedAt
		if modifiedAt == 0 {
			modifiedAt = time.Now().UnixMilli()
		}
		record := storage.FileRecord{
			FileID:       fileID,
			AbsolutePath: event.AbsolutePath,
			ContentHash:  event.NewContentHash,
			SizeBytes:    event.SizeBytes,
			ModifiedAt:   modifiedAt,
			SyncStatus:   storage.SyncPending,
		}
		if err := c.store.UpsertFile(record); err != nil {
			return nil, err
		}
		return &record, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidChange, event.Type)
	}
}

// ListFiles returns tracked files, optionally filtered by sync status.
func (c *Core) ListFiles(status string) ([]storage.FileRecord, error) {
	return c.store.ListFiles(status)
}

// EnqueueSync starts sending a tracked file to a peer. At most one session
// per file and peer runs at a time; a duplicate enqueue attaches to the
// running session instead of starting another.
func (c *Core) EnqueueSync(fileID, peerDeviceID string) (transfer.Progress, error) {
	record, err := c.store.GetFile(fileID)
	if err != nil {
		return transfer.Progress{}, err
	}
	if record.ContentHash == "" {
		return transfer.Progress{}, fmt.Errorf("core: file %s has no content hash yet", fileID)
	}

	sess, err := c.enqueue(record, peerDeviceID)
	if errors.Is(err, transfer.ErrSessionActive) {
		if active, lookupErr := c.engine.ActiveSession(fileID, peerDeviceID); lookupErr == nil {
			return active.Snapshot(), nil
		}
		return transfer.Progress{}, err
	}
	if err != nil {
		return transfer.Progress{}, err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 2 * time.Second
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 15 * time.Minute

	c.wg.Add(1)
	go c.watchOutbound(record.FileID, peerDeviceID, sess, retry)

	return sess.Snapshot(), nil
}

func (c *Core) enqueue(record *storage.FileRecord, peerDeviceID string) (*transfer.Session, error) {
	addr, err := c.peerTransferAddr(peerDeviceID)
	if err != nil {
		return nil, err
	}

	var pin identity.Fingerprint
	if paired, err := c.store.GetPairedPeer(peerDeviceID); err == nil {
		pin = identity.Fingerprint(paired.CertFingerprint)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	fileUUID, err := uuid.Parse(record.FileID)
	if err != nil {
		return nil, fmt.Errorf("parse file id %q: %w", record.FileID, err)
	}
	contentHash, err := hashing.ParseHex(record.ContentHash)
	if err != nil {
		return nil, err
	}

	sess, err := c.engine.Send(transfer.SendRequest{
		FileID:       fileUUID,
		Path:         record.AbsolutePath,
		SizeBytes:    record.SizeBytes,
		ContentHash:  contentHash,
		PeerDeviceID: peerDeviceID,
		PeerAddr:     addr,
		Pin:          pin,
	})
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateSyncStatus(record.FileID, storage.SyncSyncing); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.WithError(err).Warn("could not mark file syncing")
	}
	return sess, nil
}

// watchOutbound re-enqueues a paused outbound session with exponential
// backoff. Explicit cancellation and terminal states stop the retries.
func (c *Core) watchOutbound(fileID, peerDeviceID string, sess *transfer.Session, retry backoff.BackOff) {
	defer c.wg.Done()

	for {
		select {
		case <-sess.Done():
		case <-c.stop:
			return
		}

		progress := sess.Snapshot()
		if progress.State != storage.SessionPaused {
			return
		}
		if c.wasCancelled(sess.ID) {
			return
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			c.log.WithFields(logrus.Fields{
				"file_id": fileID,
				"peer":    peerDeviceID,
			}).Warn("giving up on paused transfer, retry budget exhausted")
			// The file goes back to pending so a later enqueue picks it up;
			// transient network trouble is not a permanent failure.
			if err := c.store.UpdateSyncStatus(fileID, storage.SyncPending); err != nil && !errors.Is(err, storage.ErrNotFound) {
				c.log.WithError(err).Warn("could not reset file to pending")
			}
			return
		}

		select {
		case <-time.After(wait):
		case <-c.stop:
			return
		}

		record, err := c.store.GetFile(fileID)
		if err != nil {
			return
		}

		next, err := c.enqueue(record, peerDeviceID)
		if err != nil {
			if errors.Is(err, transfer.ErrSessionActive) {
				return
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"file_id": fileID,
				"peer":    peerDeviceID,
			}).Debug("retry enqueue failed, backing off")
			continue
		}
		sess = next
	}
}

// SessionProgress returns one session snapshot.
func (c *Core) SessionProgress(sessionID string) (transfer.Progress, error) {
	sess, err := c.engine.Session(sessionID)
	if err != nil {
		return transfer.Progress{}, err
	}
	return sess.Snapshot(), nil
}

// Sessions snapshots all known sessions.
func (c *Core) Sessions() []transfer.Progress {
	return c.engine.Sessions()
}

// CancelSession stops a session and suppresses its automatic retries.
func (c *Core) CancelSession(sessionID string) error {
	c.mu.Lock()
	c.cancelled[sessionID] = struct{}{}
	c.mu.Unlock()
	return c.engine.Cancel(sessionID)
}

func (c *Core) wasCancelled(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancelled[sessionID]
	return ok
}

// peerTransferAddr resolves a peer's transfer endpoint from the discovery
// table.
func (c *Core) peerTransferAddr(peerDeviceID string) (string, error) {
	c.mu.Lock()
	resolver := c.resolver
	c.mu.Unlock()
	if resolver == nil {
		return "", ErrDiscoveryNotStarted
	}

	peer, ok := resolver.Lookup(peerDeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPeerUnavailable, peerDeviceID)
	}
	if peer.TransferPort <= 0 {
		return "", fmt.Errorf("%w: %s has no transfer port", ErrPeerUnavailable, peerDeviceID)
	}
	return net.JoinHostPort(peer.Address.String(), strconv.Itoa(peer.TransferPort)), nil
}
