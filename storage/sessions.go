package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSession inserts or updates one transfer session row.
func (s *Store) SaveSession(session SessionRecord) error {
	if session.SessionID == "" {
		return errors.New("session_id is required")
	}
	if session.FileID == "" {
		return errors.New("file_id is required")
	}
	if session.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if err := validateDirection(session.Direction); err != nil {
		return err
	}
	if err := validateSessionState(session.State); err != nil {
		return err
	}
	if session.UpdatedAt == 0 {
		session.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_sessions
			(session_id, file_id, direction, peer_device_id, total_chunks, last_acked_chunk, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			total_chunks = excluded.total_chunks,
			last_acked_chunk = excluded.last_acked_chunk,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		session.SessionID,
		session.FileID,
		session.Direction,
		session.PeerDeviceID,
		session.TotalChunks,
		session.LastAckedChunk,
		session.State,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", session.SessionID, err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT session_id, file_id, direction, peer_device_id, total_chunks, last_acked_chunk, state, updated_at
		FROM transfer_sessions WHERE session_id = ?`,
		sessionID,
	)

	var session SessionRecord
	if err := row.Scan(
		&session.SessionID,
		&session.FileID,
		&session.Direction,
		&session.PeerDeviceID,
		&session.TotalChunks,
		&session.LastAckedChunk,
		&session.State,
		&session.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	return &session, nil
}

// AdvanceCheckpoint persists a verified chunk index for a (file, peer,
// direction) triple. The guarded upsert never moves the checkpoint backward,
// so a read always returns the most recent committed value and
// last_acked_chunk only increases.
func (s *Store) AdvanceCheckpoint(cp Checkpoint) error {
	if cp.FileID == "" {
		return errors.New("file_id is required")
	}
	if cp.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if err := validateDirection(cp.Direction); err != nil {
		return err
	}
	if cp.LastAckedChunk < -1 {
		return errors.New("last_acked_chunk must be >= -1")
	}
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints
			(file_id, peer_device_id, direction, last_acked_chunk, total_chunks, temp_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, peer_device_id, direction) DO UPDATE SET
			last_acked_chunk = excluded.last_acked_chunk,
			total_chunks = excluded.total_chunks,
			temp_path = excluded.temp_path,
			updated_at = excluded.updated_at
		WHERE excluded.last_acked_chunk > transfer_checkpoints.last_acked_chunk`,
		cp.FileID,
		cp.PeerDeviceID,
		cp.Direction,
		cp.LastAckedChunk,
		cp.TotalChunks,
		cp.TempPath,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("advance checkpoint %q/%q/%q: %w", cp.FileID, cp.PeerDeviceID, cp.Direction, err)
	}
	return nil
}

// GetCheckpoint fetches the committed resume record for a triple.
func (s *Store) GetCheckpoint(fileID, peerDeviceID, direction string) (*Checkpoint, error) {
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT file_id, peer_device_id, direction, last_acked_chunk, total_chunks, temp_path, updated_at
		FROM transfer_checkpoints
		WHERE file_id = ? AND peer_device_id = ? AND direction = ?`,
		fileID, peerDeviceID, direction,
	)

	var cp Checkpoint
	if err := row.Scan(
		&cp.FileID,
		&cp.PeerDeviceID,
		&cp.Direction,
		&cp.LastAckedChunk,
		&cp.TotalChunks,
		&cp.TempPath,
		&cp.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint %q/%q/%q: %w", fileID, peerDeviceID, direction, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a resume record once a transfer completes.
func (s *Store) DeleteCheckpoint(fileID, peerDeviceID, direction string) error {
	if err := validateDirection(direction); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints
		WHERE file_id = ? AND peer_device_id = ? AND direction = ?`,
		fileID, peerDeviceID, direction,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint %q/%q/%q: %w", fileID, peerDeviceID, direction, err)
	}
	return nil
}

// SavePairedPeer pins a peer identity established through pairing.
func (s *Store) SavePairedPeer(peer PairedPeer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.CertFingerprint == "" {
		return errors.New("cert_fingerprint is required")
	}
	if peer.PairedAt == 0 {
		peer.PairedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO paired_peers (device_id, display_name, cert_fingerprint, paired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			cert_fingerprint = excluded.cert_fingerprint,
			paired_at = excluded.paired_at`,
		peer.DeviceID,
		peer.DisplayName,
		peer.CertFingerprint,
		peer.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("save paired peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPairedPeerByFingerprint resolves a peer identity from its certificate
// fingerprint. Inbound transfer connections identify the caller this way,
// since the TLS handshake happens before any application frame arrives.
func (s *Store) GetPairedPeerByFingerprint(fingerprint string) (*PairedPeer, error) {
	row := s.db.QueryRow(
		`SELECT device_id, display_name, cert_fingerprint, paired_at
		FROM paired_peers WHERE cert_fingerprint = ?`,
		fingerprint,
	)

	var peer PairedPeer
	if err := row.Scan(&peer.DeviceID, &peer.DisplayName, &peer.CertFingerprint, &peer.PairedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get paired peer by fingerprint: %w", err)
	}
	return &peer, nil
}

// GetPairedPeer returns the pinned identity for a device, if paired.
func (s *Store) GetPairedPeer(deviceID string) (*PairedPeer, error) {
	row := s.db.QueryRow(
		`SELECT device_id, display_name, cert_fingerprint, paired_at
		FROM paired_peers WHERE device_id = ?`,
		deviceID,
	)

	var peer PairedPeer
	if err := row.Scan(&peer.DeviceID, &peer.DisplayName, &peer.CertFingerprint, &peer.PairedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get paired peer %q: %w", deviceID, err)
	}
	return &peer, nil
}
