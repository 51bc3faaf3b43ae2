package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pebble/hashing"
	"pebble/identity"
	"pebble/storage"
)

// receive drives one inbound session from an accepted TLS connection.
func (e *Engine) receive(rawConn net.Conn) {
	conn, ok := rawConn.(*tls.Conn)
	if !ok {
		_ = rawConn.Close()
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout)); err != nil {
		return
	}
	if err := conn.Handshake(); err != nil {
		e.log.WithError(err).Debug("inbound TLS handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	peerID, verified := e.identifyPeer(conn)

	frameType, err := readFrameTypeWithTimeout(conn, e.cfg.HandshakeTimeout)
	if err != nil {
		e.log.WithError(err).Debug("no metadata frame from peer")
		return
	}
	if frameType != FrameMetadata {
		e.log.WithField("frame", fmt.Sprintf("0x%02x", frameType)).Warn("inbound session opened with wrong frame")
		return
	}
	meta, err := ReadMetadata(conn)
	if err != nil {
		e.log.WithError(err).Warn("malformed metadata frame")
		return
	}
	if err := validateMetadata(meta); err != nil {
		e.log.WithError(err).Warn("rejecting inbound metadata")
		return
	}

	fileID := meta.FileID.String()
	log := e.log.WithFields(logrus.Fields{
		"file_id":  fileID,
		"peer":     peerID,
		"verified": verified,
		"name":     meta.FileName,
	})

	if e.hasConflict(fileID, meta.ContentHash) {
		log.Warn("rejecting inbound session, conflicting local file state")
		if err := e.store.UpdateSyncStatus(fileID, storage.SyncConflict); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("could not mark file conflicted")
		}
		_ = WriteReject(conn, RejectConflict)
		return
	}

	// Inbound sessions share the concurrency bound with outbound ones; a
	// saturated engine refuses rather than queueing unbounded goroutines.
	select {
	case e.slots <- struct{}{}:
	default:
		log.Info("rejecting inbound session, transfer slots saturated")
		_ = WriteReject(conn, RejectBusy)
		return
	}
	defer func() { <-e.slots }()

	ctx, cancel := context.WithCancel(e.rootCtx)
	sess := newSession(
		uuid.NewString(),
		fileID,
		peerID,
		storage.DirectionReceive,
		meta.FileName,
		cancel,
	)
	if err := e.register(sess); err != nil {
		cancel()
		log.Info("rejecting inbound session, transfer already active")
		_ = WriteReject(conn, RejectBusy)
		return
	}

	err = e.runReceive(ctx, conn, sess, meta, log)
	e.finish(sess, err)
}

// identifyPeer maps the client certificate to a paired device. An unpaired
// certificate still gets transport encryption but the identity is marked
// unverified and keyed by fingerprint.
func (e *Engine) identifyPeer(conn *tls.Conn) (peerID string, verified bool) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		e.log.Warn("inbound peer presented no certificate")
		return "unverified-anonymous", false
	}
	fingerprint := identity.FingerprintDER(state.PeerCertificates[0].Raw)
	peer, err := e.store.GetPairedPeerByFingerprint(string(fingerprint))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.WithError(err).Warn("paired peer lookup failed")
		}
		e.log.WithField("fingerprint", fingerprint).Warn("accepting transfer from unpaired peer; identity not verified")
		return "unverified-" + string(fingerprint[:16]), false
	}
	return peer.DeviceID, true
}

func validateMetadata(meta Metadata) error {
	if meta.ChunkSize == 0 && meta.TotalSizeBytes > 0 {
		return errors.New("transfer: zero chunk size for non-empty file")
	}
	if meta.ChunkSize > MaxChunkSize {
		return ErrFrameTooLarge
	}
	if meta.FileName == "" {
		return errors.New("transfer: empty file name")
	}
	return nil
}

// hasConflict reports whether an inbound file diverges from a pending local
// record of the same file with different content.
func (e *Engine) hasConflict(fileID string, contentHash hashing.Digest) bool {
	record, err := e.store.GetFile(fileID)
	if err != nil {
		return false
	}
	if record.SyncStatus != storage.SyncPending {
		return false
	}
	return record.ContentHash != "" && record.ContentHash != contentHash.Hex()
}

func (e *Engine) runReceive(ctx context.Context, conn *tls.Conn, sess *Session, meta Metadata, log *logrus.Entry) error {
	totalChunks := chunkCount(int64(meta.TotalSizeBytes), meta.ChunkSize)

	safeName := filepath.Base(meta.FileName)
	finalPath := filepath.Join(e.cfg.DownloadsDir, sess.FileID+"_"+safeName)
	tempPath := finalPath + ".part"

	resume := e.committedResume(sess, tempPath, totalChunks)

	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return persistErr("open temp file", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if resume == 0 {
		if err := file.Truncate(0); err != nil {
			return persistErr("truncate temp file", err)
		}
	}

	if err := WriteResume(conn, resume); err != nil {
		return err
	}

	sess.setTotals(totalChunks, int(resume))
	sess.setState(storage.SessionTransferring)
	if err := e.store.SaveSession(sess.record()); err != nil {
		return persistErr("save session", err)
	}

	// Watch for cancellation; closing the connection unblocks frame reads.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	expected := int(resume)
	retries := make(map[uint32]int)

	for {
		frameType, err := readFrameTypeWithTimeout(conn, e.cfg.AckTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch frameType {
		case FrameChunk:
			header, payload, err := ReadChunk(conn)
			if err != nil {
				return err
			}
			advanced, err := e.acceptChunk(conn, sess, file, meta, tempPath, totalChunks, expected, header, payload, retries)
			if err != nil {
				return err
			}
			expected = advanced

		case FrameComplete:
			senderDigest, err := ReadComplete(conn)
			if err != nil {
				return err
			}
			return e.completeReceive(conn, sess, file, meta, tempPath, finalPath, totalChunks, expected, senderDigest, log)

		default:
			return fmt.Errorf("%w: 0x%02x while receiving", ErrUnexpectedFrame, frameType)
		}
	}
}

// committedResume loads the durable checkpoint for this file and peer and
// validates that the partial file it refers to still exists. A missing or
// mismatched partial restarts the transfer from zero.
func (e *Engine) committedResume(sess *Session, tempPath string, totalChunks int) uint32 {
	cp, err := e.store.GetCheckpoint(sess.FileID, sess.PeerDeviceID, storage.DirectionReceive)
	if err != nil {
		return 0
	}
	if cp.TotalChunks != totalChunks || cp.TempPath != tempPath {
		return 0
	}
	if _, err := os.Stat(tempPath); err != nil {
		return 0
	}
	return resolveResumeOffset(uint32(cp.LastAckedChunk+1), totalChunks)
}

// acceptChunk verifies and durably writes one chunk, then acknowledges it.
// The order is fixed: write, fsync, checkpoint, ack. A crash between fsync
// and ack re-sends a chunk the receiver already has, which the duplicate
// path absorbs; data acknowledged is always data on disk.
func (e *Engine) acceptChunk(conn *tls.Conn, sess *Session, file *os.File, meta Metadata, tempPath string, totalChunks, expected int, header ChunkHeader, payload []byte, retries map[uint32]int) (int, error) {
	if int(header.Index) < expected {
		// Duplicate of an already committed chunk.
		if err := WriteAck(conn, uint32(expected-1)); err != nil {
			return expected, err
		}
		return expected, nil
	}
	if int(header.Index) > expected {
		// Out of order beyond the committed prefix; the sender window
		// guarantees retransmission, so drop it.
		return expected, nil
	}

	wantLen := chunkLength(int64(meta.TotalSizeBytes), meta.ChunkSize, header.Index)
	if int64(len(payload)) != wantLen || hashing.Sum(payload) != header.Digest {
		retries[header.Index]++
		if retries[header.Index] > e.cfg.MaxChunkRetries {
			return expected, fmt.Errorf("%w: %w: chunk %d", ErrRetriesExhausted, ErrChunkIntegrity, header.Index)
		}
		if err := WriteNack(conn, header.Index); err != nil {
			return expected, err
		}
		return expected, nil
	}

	offset := int64(header.Index) * int64(meta.ChunkSize)
	if _, err := file.WriteAt(payload, offset); err != nil {
		return expected, persistErr("write chunk", err)
	}
	if err := file.Sync(); err != nil {
		return expected, persistErr("fsync chunk", err)
	}
	if err := e.store.AdvanceCheckpoint(storage.Checkpoint{
		FileID:         sess.FileID,
		PeerDeviceID:   sess.PeerDeviceID,
		Direction:      storage.DirectionReceive,
		LastAckedChunk: int(header.Index),
		TotalChunks:    totalChunks,
		TempPath:       tempPath,
	}); err != nil {
		return expected, persistErr("advance checkpoint", err)
	}
	if err := WriteAck(conn, header.Index); err != nil {
		return expected, err
	}

	sess.advanceTo(int(header.Index) + 1)
	return int(header.Index) + 1, nil
}

// completeReceive verifies the assembled file against both the sender's
// digest and the advertised content hash, then promotes the partial file.
func (e *Engine) completeReceive(conn *tls.Conn, sess *Session, file *os.File, meta Metadata, tempPath, finalPath string, totalChunks, expected int, senderDigest hashing.Digest, log *logrus.Entry) error {
	if err := file.Sync(); err != nil {
		return persistErr("fsync before verify", err)
	}

	actual, err := hashing.SumFile(tempPath)
	if err != nil {
		return persistErr("digest partial file", err)
	}
	verified := expected == totalChunks && actual == senderDigest && actual == meta.ContentHash

	if !verified {
		_ = WriteCompleteAck(conn, CompleteMismatch)
		log.WithFields(logrus.Fields{
			"expected_chunks": totalChunks,
			"got_chunks":      expected,
		}).Error("whole-file verification failed")
		return ErrFileDigestMismatch
	}
	if err := WriteCompleteAck(conn, CompleteVerified); err != nil {
		return err
	}

	if err := file.Close(); err != nil {
		return persistErr("close partial file", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return persistErr("promote partial file", err)
	}

	if err := e.store.UpsertFile(storage.FileRecord{
		FileID:       sess.FileID,
		AbsolutePath: finalPath,
		ContentHash:  actual.Hex(),
		SizeBytes:    int64(meta.TotalSizeBytes),
		ModifiedAt:   time.Now().UnixMilli(),
		SyncStatus:   storage.SyncSynced,
	}); err != nil {
		return persistErr("record received file", err)
	}
	if err := e.store.DeleteCheckpoint(sess.FileID, sess.PeerDeviceID, storage.DirectionReceive); err != nil {
		return persistErr("delete checkpoint", err)
	}

	log.WithField("path", finalPath).Info("file received and verified")
	return nil
}

// chunkLength returns the expected payload length for one chunk index.
func chunkLength(size int64, chunkSize uint32, index uint32) int64 {
	offset := int64(index) * int64(chunkSize)
	remaining := size - offset
	if remaining > int64(chunkSize) {
		return int64(chunkSize)
	}
	return remaining
}
