// Package auditlog appends tamper-evident records of run lifecycle changes
// and denied API calls to the audit_events table.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	ResourceHTTP = "http"
	ResourceRun  = "run"
)

// Event is one append-only audit record. The integrity digest covers every
// field so tampering with a stored row is detectable.
type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

// QueryRower is satisfied by *sql.DB and *sql.Tx.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	switch {
	case e.OccurredAt.IsZero():
		return errors.New("occurred_at is required")
	case strings.TrimSpace(e.Actor) == "":
		return errors.New("actor is required")
	case strings.TrimSpace(e.Action) == "":
		return errors.New("action is required")
	case strings.TrimSpace(e.ResourceType) == "":
		return errors.New("resource_type is required")
	case strings.TrimSpace(e.ResourceID) == "":
		return errors.New("resource_id is required")
	}
	return nil
}

// record is the normalized row form of an Event. The integrity digest is
// computed over its JSON encoding.
type record struct {
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestID    string          `json:"request_id,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func newRecord(event Event, payloadJSON []byte) record {
	ip := ""
	if event.IP != nil {
		ip = event.IP.String()
	}
	return record{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ip,
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}
}

func (r record) digest() (string, error) {
	blob, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeIntegritySHA256 returns the digest stored alongside an event whose
// payload encodes to payloadJSON.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	return newRecord(event, payloadJSON).digest()
}

// VerifyIntegrity reports whether digest matches the event as stored.
func VerifyIntegrity(event Event, payloadJSON []byte, digest string) (bool, error) {
	got, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return false, err
	}
	return got == strings.ToLower(strings.TrimSpace(digest)), nil
}

// Insert appends event and returns its id. A zero OccurredAt is stamped with
// the current time.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	rec := newRecord(event, payloadJSON)
	integrity, err := rec.digest()
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at,
			actor,
			action,
			resource_type,
			resource_id,
			request_id,
			ip,
			user_agent,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`,
		rec.OccurredAt,
		rec.Actor,
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		nullable(rec.RequestID),
		nullable(rec.IP),
		nullable(rec.UserAgent),
		[]byte(rec.Payload),
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event %s: %w", rec.Action, err)
	}
	return id, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
