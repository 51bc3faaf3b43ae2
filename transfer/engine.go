package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pebble/hashing"
	"pebble/identity"
	"pebble/storage"
)

// Defaults for the transfer engine.
const (
	DefaultPort             = 37846
	DefaultChunkSize        = 1 << 20
	DefaultWindowSize       = 4
	DefaultMaxChunkRetries  = 5
	DefaultMaxConcurrent    = 4
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 30 * time.Second
)

var errAckTimeout = errors.New("transfer: timed out waiting for peer")

// Config controls engine behavior. Zero fields take the package defaults.
type Config struct {
	DeviceID     string
	DownloadsDir string

	ChunkSize        uint32
	WindowSize       int
	MaxChunkRetries  int
	MaxConcurrent    int
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MaxChunkRetries <= 0 {
		c.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	return c
}

// SendRequest describes one outbound transfer.
type SendRequest struct {
	FileID       uuid.UUID
	Path         string
	FileName     string
	SizeBytes    int64
	ContentHash  hashing.Digest
	PeerDeviceID string
	PeerAddr     string
	Pin          identity.Fingerprint
}

// Engine runs transfer sessions in both directions over mutually
// authenticated TLS and keeps their durable state in the store.
type Engine struct {
	cfg   Config
	certs *identity.CertificateManager
	store *storage.Store
	log   *logrus.Entry

	rootCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]*Session

	slots    chan struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

// NewEngine builds an engine; Start must be called before inbound sessions
// are accepted.
func NewEngine(cfg Config, certs *identity.CertificateManager, store *storage.Store) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:   cfg,
		certs: certs,
		store: store,
		log: logrus.WithFields(logrus.Fields{
			"component": "transfer",
			"device_id": cfg.DeviceID,
		}),
		rootCtx:  ctx,
		stop:     cancel,
		sessions: make(map[string]*Session),
		active:   make(map[string]*Session),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start opens the TLS listener and begins accepting inbound sessions.
func (e *Engine) Start(listenAddr string) error {
	raw, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	e.listener = tls.NewListener(raw, e.certs.ServerTLSConfig())

	e.log.WithField("addr", e.listener.Addr().String()).Info("transfer listener started")

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Stop cancels all sessions, closes the listener, and waits for goroutines.
func (e *Engine) Stop() {
	e.stop()
	if e.listener != nil {
		_ = e.listener.Close()
	}
	e.wg.Wait()
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.rootCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.WithError(err).Warn("accept failed")
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.receive(conn)
		}()
	}
}

// Send starts an outbound session for the request, enforcing at most one
// active session per file and peer.
func (e *Engine) Send(req SendRequest) (*Session, error) {
	if req.FileID == uuid.Nil {
		return nil, errors.New("transfer: file id is required")
	}
	if req.Path == "" {
		return nil, errors.New("transfer: file path is required")
	}
	if req.PeerDeviceID == "" || req.PeerAddr == "" {
		return nil, errors.New("transfer: peer device id and address are required")
	}
	if req.FileName == "" {
		req.FileName = baseName(req.Path)
	}

	ctx, cancel := context.WithCancel(e.rootCtx)
	sess := newSession(
		uuid.NewString(),
		req.FileID.String(),
		req.PeerDeviceID,
		storage.DirectionSend,
		req.FileName,
		cancel,
	)
	sess.sourcePath = req.Path

	if err := e.register(sess); err != nil {
		cancel()
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.runSend(ctx, sess, req)
		e.finish(sess, err)
	}()
	return sess, nil
}

// ActiveSession looks up the running session for a file and peer, if any.
func (e *Engine) ActiveSession(fileID, peerDeviceID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.active[activeKey(fileID, peerDeviceID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Session looks up a session by id.
func (e *Engine) Session(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Sessions snapshots all known sessions.
func (e *Engine) Sessions() []Progress {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		sessions = append(sessions, sess)
	}
	e.mu.Unlock()

	out := make([]Progress, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Cancel stops a running session. The session pauses and keeps its
// checkpoint.
func (e *Engine) Cancel(sessionID string) error {
	sess, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	sess.Cancel()
	return nil
}

func activeKey(fileID, peerDeviceID string) string {
	return fileID + "|" + peerDeviceID
}

func (e *Engine) register(sess *Session) error {
	key := activeKey(sess.FileID, sess.PeerDeviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[key]; exists {
		return ErrSessionActive
	}
	e.active[key] = sess
	e.sessions[sess.ID] = sess
	return nil
}

func (e *Engine) unregister(sess *Session) {
	key := activeKey(sess.FileID, sess.PeerDeviceID)
	e.mu.Lock()
	if e.active[key] == sess {
		delete(e.active, key)
	}
	e.mu.Unlock()
}

// finish settles a session into its resting state and persists it.
// Cancellation and network failures pause; integrity, pinning, retry and
// persistence failures fail.
func (e *Engine) finish(sess *Session, err error) {
	defer close(sess.done)
	e.unregister(sess)

	log := e.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"file_id":    sess.FileID,
		"peer":       sess.PeerDeviceID,
		"direction":  sess.Direction,
	})

	sess.cancel()

	switch {
	case err == nil:
		sess.setState(storage.SessionCompleted)
		log.Info("session completed")
	case isFatal(err):
		sess.setError(err)
		sess.setState(storage.SessionFailed)
		log.WithError(err).Error("session failed")
		if saveErr := e.store.UpdateSyncStatus(sess.FileID, e.failedFileStatus(err)); saveErr != nil && !errors.Is(saveErr, storage.ErrNotFound) {
			log.WithError(saveErr).Warn("could not mark file failed")
		}
	default:
		sess.setError(err)
		sess.setState(storage.SessionPaused)
		log.WithError(err).Info("session paused")
	}

	if saveErr := e.store.SaveSession(sess.record()); saveErr != nil {
		log.WithError(saveErr).Warn("could not persist session state")
	}
}

func (e *Engine) failedFileStatus(err error) string {
	if errors.Is(err, ErrRejectedConflict) {
		return storage.SyncConflict
	}
	return storage.SyncFailed
}

type ackEvent struct {
	frameType byte
	index     uint32
	status    byte
	err       error
}

func (e *Engine) runSend(ctx context.Context, sess *Session, req SendRequest) error {
	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.store.SaveSession(sess.record()); err != nil {
		return persistErr("save session", err)
	}

	file, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	size := req.SizeBytes
	if size == 0 {
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat source file: %w", err)
		}
		size = info.Size()
	}
	totalChunks := chunkCount(size, e.cfg.ChunkSize)

	proposed := uint32(0)
	if cp, err := e.store.GetCheckpoint(sess.FileID, sess.PeerDeviceID, storage.DirectionSend); err == nil {
		proposed = resolveResumeOffset(uint32(cp.LastAckedChunk+1), totalChunks)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return persistErr("load checkpoint", err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: e.cfg.HandshakeTimeout},
		Config:    e.certs.ClientTLSConfig(req.Pin),
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", req.PeerAddr)
	if err != nil {
		if errors.Is(err, identity.ErrPinMismatch) {
			return err
		}
		return fmt.Errorf("dial peer %s: %w", req.PeerAddr, err)
	}
	conn := rawConn.(*tls.Conn)
	defer func() {
		_ = conn.Close()
	}()

	meta := Metadata{
		FileID:         req.FileID,
		TotalSizeBytes: uint64(size),
		ChunkSize:      e.cfg.ChunkSize,
		ResumeOffset:   proposed,
		ContentHash:    req.ContentHash,
		FileName:       req.FileName,
	}
	if err := WriteMetadata(conn, meta); err != nil {
		return err
	}

	frameType, err := readFrameTypeWithTimeout(conn, e.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	var start uint32
	switch frameType {
	case FrameResume:
		offset, err := ReadResume(conn)
		if err != nil {
			return err
		}
		// The receiver's committed offset wins over the local checkpoint.
		start = resolveResumeOffset(offset, totalChunks)
	case FrameReject:
		reason, err := ReadReject(conn)
		if err != nil {
			return err
		}
		if reason == RejectBusy {
			return ErrRejectedBusy
		}
		return ErrRejectedConflict
	default:
		return fmt.Errorf("%w: 0x%02x during handshake", ErrUnexpectedFrame, frameType)
	}

	sess.setTotals(totalChunks, int(start))
	sess.setState(storage.SessionTransferring)
	if err := e.store.SaveSession(sess.record()); err != nil {
		return persistErr("save session", err)
	}

	events := make(chan ackEvent, e.cfg.WindowSize*2)
	go e.readSenderFrames(ctx, conn, events)

	if err := e.streamChunks(ctx, conn, sess, file, size, totalChunks, start, events); err != nil {
		return err
	}
	return e.finishSend(ctx, conn, sess, events)
}

// streamChunks drives the windowed send loop: keep up to WindowSize chunks
// in flight, advance the checkpoint on each cumulative ack, rewind on nack.
func (e *Engine) streamChunks(ctx context.Context, conn *tls.Conn, sess *Session, file *os.File, size int64, totalChunks int, start uint32, events <-chan ackEvent) error {
	if totalChunks == 0 || int(start) >= totalChunks {
		return nil
	}

	next := start
	acked := int(start) - 1
	retries := make(map[uint32]int)
	buf := make([]byte, e.cfg.ChunkSize)
	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()

	for acked < totalChunks-1 {
		for int(next) < totalChunks && int(next)-(acked+1) < e.cfg.WindowSize {
			payload, err := readChunkAt(file, buf, size, e.cfg.ChunkSize, next)
			if err != nil {
				return err
			}
			if err := WriteChunk(conn, next, hashing.Sum(payload), payload); err != nil {
				return err
			}
			next++
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.AckTimeout)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errAckTimeout
		case ev, ok := <-events:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if ev.err != nil {
				return ev.err
			}
			switch ev.frameType {
			case FrameAck:
				if int(ev.index) > acked {
					acked = int(ev.index)
					if err := e.store.AdvanceCheckpoint(storage.Checkpoint{
						FileID:         sess.FileID,
						PeerDeviceID:   sess.PeerDeviceID,
						Direction:      storage.DirectionSend,
						LastAckedChunk: acked,
						TotalChunks:    totalChunks,
					}); err != nil {
						return persistErr("advance checkpoint", err)
					}
					sess.advanceTo(acked + 1)
				}
			case FrameNack:
				retries[ev.index]++
				if retries[ev.index] > e.cfg.MaxChunkRetries {
					return fmt.Errorf("%w: chunk %d", ErrRetriesExhausted, ev.index)
				}
				// Rewind and retransmit from the rejected chunk.
				if ev.index < next {
					next = ev.index
				}
			default:
				return fmt.Errorf("%w: 0x%02x while streaming", ErrUnexpectedFrame, ev.frameType)
			}
		}
	}
	return nil
}

// finishSend exchanges the whole-file digest and settles durable state. The
// source file is digested again from disk so that a file changed mid-session
// cannot complete with a stale hash.
func (e *Engine) finishSend(ctx context.Context, conn *tls.Conn, sess *Session, events <-chan ackEvent) error {
	fullDigest, err := hashing.SumFile(sess.sourcePath)
	if err != nil {
		return fmt.Errorf("digest source file: %w", err)
	}
	if err := WriteComplete(conn, fullDigest); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errAckTimeout
		case ev, ok := <-events:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if ev.err != nil {
				return ev.err
			}
			switch ev.frameType {
			case FrameAck, FrameNack:
				// Trailing acks can race the completion exchange.
				continue
			case FrameCompleteAck:
				if ev.status != CompleteVerified {
					return ErrFileDigestMismatch
				}
				if err := e.store.UpdateSyncStatus(sess.FileID, storage.SyncSynced); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return persistErr("mark file synced", err)
				}
				if err := e.store.DeleteCheckpoint(sess.FileID, sess.PeerDeviceID, storage.DirectionSend); err != nil {
					return persistErr("delete checkpoint", err)
				}
				return nil
			default:
				return fmt.Errorf("%w: 0x%02x at completion", ErrUnexpectedFrame, ev.frameType)
			}
		}
	}
}

// readSenderFrames pumps ack, nack, and completion frames to the send loop.
// It exits on connection error, completion, or session cancellation.
func (e *Engine) readSenderFrames(ctx context.Context, conn *tls.Conn, events chan<- ackEvent) {
	defer close(events)
	emit := func(ev ackEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		frameType, err := ReadFrameType(conn)
		if err != nil {
			emit(ackEvent{err: err})
			return
		}
		switch frameType {
		case FrameAck, FrameNack:
			index, err := ReadIndex(conn)
			if err != nil {
				emit(ackEvent{err: err})
				return
			}
			if !emit(ackEvent{frameType: frameType, index: index}) {
				return
			}
		case FrameCompleteAck:
			status, err := ReadCompleteAck(conn)
			if err != nil {
				emit(ackEvent{err: err})
				return
			}
			emit(ackEvent{frameType: frameType, status: status})
			return
		default:
			emit(ackEvent{err: fmt.Errorf("%w: 0x%02x from receiver", ErrUnexpectedFrame, frameType)})
			return
		}
	}
}

// readChunkAt reads the payload for one chunk index into buf.
func readChunkAt(file *os.File, buf []byte, size int64, chunkSize uint32, index uint32) ([]byte, error) {
	offset := int64(index) * int64(chunkSize)
	length := int64(chunkSize)
	if offset+length > size {
		length = size - offset
	}
	if length <= 0 {
		return nil, fmt.Errorf("transfer: chunk %d beyond file end", index)
	}
	payload := buf[:length]
	if _, err := file.ReadAt(payload, offset); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return payload, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
