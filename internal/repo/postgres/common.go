package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

func encodeRefs(refs []domain.OutputRef) ([]byte, error) {
	if refs == nil {
		refs = []domain.OutputRef{}
	}
	return json.Marshal(refs)
}

func decodeRefs(raw []byte) ([]domain.OutputRef, error) {
	if len(raw) == 0 {
		return []domain.OutputRef{}, nil
	}
	var out []domain.OutputRef
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode output refs: %w", err)
	}
	return out, nil
}

// integritySHA256 hashes a canonical JSON rendering of a row.
func integritySHA256(row any) (string, error) {
	blob, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
