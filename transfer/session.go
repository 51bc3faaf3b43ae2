package transfer

import (
	"context"
	"sync"

	"pebble/storage"
)

// Progress is a point-in-time snapshot of one session, safe to hand to
// callers and API responses.
type Progress struct {
	SessionID    string `json:"session_id"`
	FileID       string `json:"file_id"`
	PeerDeviceID string `json:"peer_device_id"`
	Direction    string `json:"direction"`
	FileName     string `json:"file_name,omitempty"`
	TotalChunks  int    `json:"total_chunks"`
	ChunksDone   int    `json:"chunks_done"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
}

// Session tracks one in-flight transfer. All mutation goes through the
// engine goroutine driving the session; snapshots are safe from any
// goroutine.
type Session struct {
	ID           string
	FileID       string
	PeerDeviceID string
	Direction    string
	FileName     string

	// sourcePath is set for outbound sessions only.
	sourcePath string

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       string
	totalChunks int
	chunksDone  int
	err         error
	subscribers []chan Progress
}

func newSession(id, fileID, peerDeviceID, direction, fileName string, cancel context.CancelFunc) *Session {
	return &Session{
		ID:           id,
		FileID:       fileID,
		PeerDeviceID: peerDeviceID,
		Direction:    direction,
		FileName:     fileName,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        storage.SessionHandshaking,
	}
}

// Snapshot returns the current progress view.
func (s *Session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Progress {
	p := Progress{
		SessionID:    s.ID,
		FileID:       s.FileID,
		PeerDeviceID: s.PeerDeviceID,
		Direction:    s.Direction,
		FileName:     s.FileName,
		TotalChunks:  s.totalChunks,
		ChunksDone:   s.chunksDone,
		State:        s.state,
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}

// Subscribe registers a progress channel. Updates are dropped, not blocked
// on, when a subscriber falls behind.
func (s *Session) Subscribe() <-chan Progress {
	ch := make(chan Progress, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	ch <- s.snapshotLocked()
	s.mu.Unlock()
	return ch
}

// Cancel requests the session stop. A cancelled session pauses with its
// checkpoint intact rather than failing.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed when the session reaches a terminal or paused state and its
// goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setTotals(totalChunks, chunksDone int) {
	s.mu.Lock()
	s.totalChunks = totalChunks
	s.chunksDone = chunksDone
	s.emitLocked()
	s.mu.Unlock()
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.emitLocked()
	s.mu.Unlock()
}

func (s *Session) advanceTo(chunksDone int) {
	s.mu.Lock()
	if chunksDone > s.chunksDone {
		s.chunksDone = chunksDone
		s.emitLocked()
	}
	s.mu.Unlock()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) emitLocked() {
	p := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case ch <- p:
		default:
		}
	}
}

// Terminal reports whether the session has settled; a settled session emits
// no further progress without being re-enqueued.
func (p Progress) Terminal() bool {
	switch p.State {
	case storage.SessionCompleted, storage.SessionFailed, storage.SessionPaused:
		return true
	}
	return false
}

func (s *Session) record() storage.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.SessionRecord{
		SessionID:      s.ID,
		FileID:         s.FileID,
		Direction:      s.Direction,
		PeerDeviceID:   s.PeerDeviceID,
		TotalChunks:    s.totalChunks,
		LastAckedChunk: s.chunksDone - 1,
		State:          s.state,
	}
}
