package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

func TestStepResultQueriesIdempotent(t *testing.T) {
	if !strings.Contains(insertStepResultQuery, "ON CONFLICT (run_id, step_name) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(listStepResultsByRunQuery, "run_id = $1") {
		t.Fatalf("expected run_id predicate in list query")
	}
	if !strings.Contains(listStepResultsByRunQuery, "ORDER BY") {
		t.Fatalf("expected ORDER BY in list query")
	}
}

func TestRunQueryKeepsIdentity(t *testing.T) {
	if !strings.Contains(upsertRunQuery, "ON CONFLICT (run_id) DO UPDATE") {
		t.Fatalf("expected upsert on run id")
	}
	for _, immutable := range []string{"pipeline_name = EXCLUDED", "started_at = EXCLUDED"} {
		if strings.Contains(upsertRunQuery, immutable) {
			t.Fatalf("run upsert must not rewrite %s", immutable)
		}
	}
}

func TestCacheEntryQueriesScopedByKey(t *testing.T) {
	if !strings.Contains(upsertCacheEntryQuery, "ON CONFLICT (pipeline_name, step_name, fingerprint) DO UPDATE") {
		t.Fatalf("expected cache upsert on full key")
	}
	if !strings.Contains(selectCacheEntryQuery, "pipeline_name = $1 AND step_name = $2 AND fingerprint = $3") {
		t.Fatalf("expected full key predicate in select query")
	}
}

func TestArtifactQueryIdempotent(t *testing.T) {
	if !strings.Contains(insertArtifactQuery, "ON CONFLICT (artifact_id) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in artifact insert")
	}
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{"pipeline_runs", "step_results", "step_artifacts", "lineage_events", "cache_entries"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema missing table %s", table)
		}
	}
}

func TestStoresRequireDB(t *testing.T) {
	if NewRunStore(nil) != nil || NewStepResultStore(nil) != nil || NewCacheEntryStore(nil) != nil {
		t.Fatalf("expected nil stores without a db")
	}
	var store *CacheEntryStore
	if _, _, err := store.Get(context.Background(), repo.CacheKey{}); err == nil {
		t.Fatalf("expected error from uninitialized store")
	}
	var runs *RunStore
	if err := runs.RecordRun(context.Background(), domain.Run{}); err == nil {
		t.Fatalf("expected error from uninitialized run store")
	}
}

func TestIntegrityDeterministic(t *testing.T) {
	row := map[string]any{"a": 1, "b": "x"}
	a, err := integritySHA256(row)
	if err != nil {
		t.Fatalf("integritySHA256() err=%v", err)
	}
	b, _ := integritySHA256(row)
	if a != b || len(a) != 64 {
		t.Fatalf("unexpected integrity values %q %q", a, b)
	}
}
