package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a lookup matched no row.
var ErrNotFound = errors.New("storage: not found")

// File sync statuses.
const (
	SyncPending  = "pending"
	SyncSyncing  = "syncing"
	SyncSynced   = "synced"
	SyncFailed   = "failed"
	SyncConflict = "conflict"
)

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Session states.
const (
	SessionHandshaking  = "handshaking"
	SessionTransferring = "transferring"
	SessionPaused       = "paused"
	SessionCompleted    = "completed"
	SessionFailed       = "failed"
)

// FileRecord is the durable view of a tracked file.
type FileRecord struct {
	FileID       string
	AbsolutePath string
	ContentHash  string
	SizeBytes    int64
	ModifiedAt   int64
	SyncStatus   string
}

// SessionRecord is the durable view of one TransferSession.
type SessionRecord struct {
	SessionID      string
	FileID         string
	Direction      string
	PeerDeviceID   string
	TotalChunks    int
	LastAckedChunk int
	State          string
	UpdatedAt      int64
}

// Checkpoint is the resume record for a (file, peer, direction) triple.
// LastAckedChunk is -1 when no chunk has been verified yet.
type Checkpoint struct {
	FileID         string
	PeerDeviceID   string
	Direction      string
	LastAckedChunk int
	TotalChunks    int
	TempPath       string
	UpdatedAt      int64
}

// PairedPeer is a pinned peer identity established via pairing.
type PairedPeer struct {
	DeviceID        string
	DisplayName     string
	CertFingerprint string
	PairedAt        int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSyncStatus(status string) error {
	switch status {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed, SyncConflict:
		return nil
	default:
		return fmt.Errorf("storage: invalid sync status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("storage: invalid transfer direction %q", direction)
	}
}

func validateSessionState(state string) error {
	switch state {
	case SessionHandshaking, SessionTransferring, SessionPaused, SessionCompleted, SessionFailed:
		return nil
	default:
		return fmt.Errorf("storage: invalid session state %q", state)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
