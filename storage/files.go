package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFile inserts or updates a file record keyed by file_id. A changed
// content hash overwrites the previous one, so callers reset sync_status to
// pending when content changes.
func (s *Store) UpsertFile(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.AbsolutePath == "" {
		return errors.New("absolute_path is required")
	}
	if file.SyncStatus == "" {
		file.SyncStatus = SyncPending
	}
	if err := validateSyncStatus(file.SyncStatus); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO files (file_id, absolute_path, content_hash, size_bytes, modified_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			absolute_path = excluded.absolute_path,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			modified_at = excluded.modified_at,
			sync_status = excluded.sync_status`,
		file.FileID,
		file.AbsolutePath,
		file.ContentHash,
		file.SizeBytes,
		file.ModifiedAt,
		file.SyncStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert file %q: %w", file.FileID, err)
	}
	return nil
}

// UpdateSyncStatus flips the sync status of one file.
func (s *Store) UpdateSyncStatus(fileID, status string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateSyncStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE files SET sync_status = ? WHERE file_id = ?`,
		status, fileID,
	)
	if err != nil {
		return fmt.Errorf("update sync status %q: %w", fileID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %q: %w", fileID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFile fetches a file record by id.
func (s *Store) GetFile(fileID string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT file_id, absolute_path, content_hash, size_bytes, modified_at, sync_status
		FROM files WHERE file_id = ?`,
		fileID,
	)
	return scanFileRecord(row, fileID)
}

// GetFileByPath fetches a file record by absolute path.
func (s *Store) GetFileByPath(absolutePath string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT file_id, absolute_path, content_hash, size_bytes, modified_at, sync_status
		FROM files WHERE absolute_path = ?`,
		absolutePath,
	)
	return scanFileRecord(row, absolutePath)
}

// DeleteFile removes a file record and its checkpoints. Used when the
// external watcher reports deletion.
func (s *Store) DeleteFile(fileID string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file %q: %w", fileID, err)
	}
	if _, err := tx.Exec(`DELETE FROM transfer_checkpoints WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete checkpoints for %q: %w", fileID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %q: %w", fileID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFiles returns all file records, optionally filtered by sync status.
func (s *Store) ListFiles(status string) ([]FileRecord, error) {
	query := `SELECT file_id, absolute_path, content_hash, size_bytes, modified_at, sync_status FROM files`
	args := make([]any, 0, 1)
	if status != "" {
		if err := validateSyncStatus(status); err != nil {
			return nil, err
		}
		query += ` WHERE sync_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY absolute_path`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]FileRecord, 0)
	for rows.Next() {
		var file FileRecord
		if err := rows.Scan(
			&file.FileID,
			&file.AbsolutePath,
			&file.ContentHash,
			&file.SizeBytes,
			&file.ModifiedAt,
			&file.SyncStatus,
		); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

func scanFileRecord(row scanner, key string) (*FileRecord, error) {
	var file FileRecord
	if err := row.Scan(
		&file.FileID,
		&file.AbsolutePath,
		&file.ContentHash,
		&file.SizeBytes,
		&file.ModifiedAt,
		&file.SyncStatus,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file %q: %w", key, err)
	}
	return &file, nil
}
