package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// HashPayload returns the hex sha256 used to deduplicate pulled files.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HasRawFile reports whether a file with this content hash was already stored.
func (s *Store) HasRawFile(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_files WHERE payload_hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StoreRawFile keeps a gzip-compressed copy of a pulled forecast file.
// Returns false if a file with the same content was already stored.
func (s *Store) StoreRawFile(ctx context.Context, runID, name string, payload []byte) (bool, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return false, fmt.Errorf("close gzip: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_files (run_id, fetched_at, name, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, runID, time.Now().UTC(), name, buf.Bytes(), HashPayload(payload))
	if err != nil {
		return false, fmt.Errorf("insert raw file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
