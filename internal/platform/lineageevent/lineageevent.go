package lineageevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event records that a step produced ChildArtifactID from its parents.
type Event struct {
	OccurredAt        time.Time
	RunID             string
	PipelineName      string
	ProducerStep      string
	ChildArtifactID   string
	ParentArtifactIDs []string
	Metadata          any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertQuery = `INSERT INTO lineage_events (
	occurred_at,
	run_id,
	pipeline_name,
	producer_step,
	child_artifact_id,
	parent_artifact_ids,
	metadata,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id, child_artifact_id) DO NOTHING
RETURNING event_id`

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred at is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.ProducerStep) == "" {
		return errors.New("producer step is required")
	}
	if strings.TrimSpace(e.ChildArtifactID) == "" {
		return errors.New("child artifact id is required")
	}
	return nil
}

// Insert appends a lineage event. A replayed event for the same child artifact
// is a no-op and returns id 0.
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

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	parents := normalizeParents(event.ParentArtifactIDs)
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return 0, fmt.Errorf("marshal parents: %w", err)
	}

	integrity, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.PipelineName),
		strings.TrimSpace(event.ProducerStep),
		strings.TrimSpace(event.ChildArtifactID),
		parentsJSON,
		metadataJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("insert lineage event: %w", err)
	}
	return id, nil
}

// ComputeIntegritySHA256 hashes the canonical form of an event. Parent order
// does not affect the result.
func ComputeIntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt        time.Time       `json:"occurred_at"`
		RunID             string          `json:"run_id"`
		PipelineName      string          `json:"pipeline_name"`
		ProducerStep      string          `json:"producer_step"`
		ChildArtifactID   string          `json:"child_artifact_id"`
		ParentArtifactIDs []string        `json:"parent_artifact_ids"`
		Metadata          json.RawMessage `json:"metadata"`
	}

	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}
	blob, err := json.Marshal(integrityInput{
		OccurredAt:        event.OccurredAt.UTC(),
		RunID:             strings.TrimSpace(event.RunID),
		PipelineName:      strings.TrimSpace(event.PipelineName),
		ProducerStep:      strings.TrimSpace(event.ProducerStep),
		ChildArtifactID:   strings.TrimSpace(event.ChildArtifactID),
		ParentArtifactIDs: normalizeParents(event.ParentArtifactIDs),
		Metadata:          metadataJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeParents(parents []string) []string {
	out := make([]string, 0, len(parents))
	seen := make(map[string]struct{}, len(parents))
	for _, p := range parents {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
