package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/artifacts"
	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/execution/plan"
	"github.com/animus-labs/animus-pipelines/internal/platform/auth"
	"github.com/animus-labs/animus-pipelines/internal/platform/httpserver"
	"github.com/animus-labs/animus-pipelines/internal/storage/objectstore"
)

const testToken = "token-abc"

type staticTokenAuthenticator struct{}

func (staticTokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (auth.Identity, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	if authz != "Bearer "+testToken {
		return auth.Identity{}, errors.New("unknown token")
	}
	return auth.Identity{Subject: "ci", Roles: []string{auth.RoleOperator}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadDoublePipeline(t *testing.T) *domain.Pipeline {
	t.Helper()
	p := domain.NewPipeline("load-double", map[string]any{"factor": 2}, true)
	steps := []domain.Step{
		{
			Name:        "load",
			Outputs:     []string{"data"},
			CachePolicy: domain.CachePolicyCodeHash,
			Func: func(context.Context, domain.StepInput) (domain.Outputs, error) {
				return domain.Outputs{"data": []int{1, 2, 3}}, nil
			},
		},
		{
			Name:    "double",
			Inputs:  []string{"data", "factor"},
			Outputs: []string{"result"},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				data := params.MustArg[[]int](in, "data")
				factor := params.MustArg[int](in, "factor")
				out := make([]int, len(data))
				for i, v := range data {
					out[i] = v * factor
				}
				return domain.Outputs{"result": out}, nil
			},
		},
	}
	for _, step := range steps {
		if err := p.AddStep(step); err != nil {
			t.Fatalf("add step: %v", err)
		}
	}
	return p
}

type fixture struct {
	pipeline    *domain.Pipeline
	server      *httptest.Server
	tokenCalls  atomic.Int32
	unauthCalls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{pipeline: loadDoublePipeline(t)}

	catalog, err := orchestrator.NewCatalog(f.pipeline)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := artifacts.NewStore(objectstore.NewMemoryStore(), "artifacts", "")
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	eng, err := engine.New(engine.Config{Artifacts: store})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	local, err := orchestrator.NewLocal(orchestrator.LocalConfig{Catalog: catalog, Engine: eng})
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	handler, err := NewHandler(local, catalog, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := f.server.URL
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/authorize",
			"token_endpoint":                        issuer + "/token",
			"jwks_uri":                              issuer + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"access_token": testToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	protected := auth.Middleware{
		Authenticator: staticTokenAuthenticator{},
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(context.Context, auth.DenyEvent) error {
			f.unauthCalls.Add(1)
			return nil
		},
	}.Wrap(handler)
	mux.Handle("/v1/", protected)

	f.server = httptest.NewServer(httpserver.Wrap(discardLogger(), "orchestrator-test", mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{
		BaseURL:      f.server.URL,
		IssuerURL:    f.server.URL,
		ClientID:     "runner",
		ClientSecret: "secret",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestClientSubmitWait(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	execPlan, err := plan.BuildPlan(f.pipeline, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := c.Submit(ctx, execPlan, map[string]any{"factor": 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle.RunID == "" || handle.PipelineName != "load-double" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	run, err := c.Wait(ctx, handle)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s", run.Status)
	}
	if !reflect.DeepEqual(run.Outputs["result"], []any{3, 6, 9}) {
		t.Fatalf("result=%#v", run.Outputs["result"])
	}
	double, ok := run.Result("double")
	if !ok || double.AttemptCount != 1 || len(double.OutputRefs) != 1 {
		t.Fatalf("unexpected double result %+v", double)
	}
	if f.tokenCalls.Load() != 1 {
		t.Fatalf("token endpoint calls=%d, want 1", f.tokenCalls.Load())
	}

	names, err := c.Pipelines(ctx)
	if err != nil || !reflect.DeepEqual(names, []string{"load-double"}) {
		t.Fatalf("pipelines=%v err=%v", names, err)
	}
}

func TestClientErrors(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	ctx := context.Background()

	if _, err := c.Status(ctx, orchestrator.RunHandle{RunID: "missing"}); !errors.Is(err, orchestrator.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	unknown := domain.ExecutionPlan{
		PipelineName: "nope",
		Steps:        []domain.ExecutionPlanStep{{Name: "x"}},
		Groups:       []domain.PlanGroup{{Name: "step:x", Steps: []string{"x"}}},
	}
	if _, err := c.Submit(ctx, unknown, nil); !errors.Is(err, orchestrator.ErrPipelineNotFound) {
		t.Fatalf("expected ErrPipelineNotFound, got %v", err)
	}
	var apiErr *APIError
	if _, err := c.Submit(ctx, unknown, nil); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestServerRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/v1/runs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	if f.unauthCalls.Load() != 1 {
		t.Fatalf("deny audits=%d, want 1", f.unauthCalls.Load())
	}
}

func TestHandlerResultConflictAndMissingParameters(t *testing.T) {
	block := make(chan struct{})
	p := domain.NewPipeline("gated", nil, false)
	if err := p.AddStep(domain.Step{
		Name:    "wait",
		Inputs:  []string{"limit"},
		Outputs: []string{"done"},
		Func: func(ctx context.Context, _ domain.StepInput) (domain.Outputs, error) {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return domain.Outputs{"done": true}, nil
		},
	}); err != nil {
		t.Fatalf("add step: %v", err)
	}
	catalog, _ := orchestrator.NewCatalog(p)
	store, _ := artifacts.NewStore(objectstore.NewMemoryStore(), "artifacts", "")
	eng, _ := engine.New(engine.Config{Artifacts: store})
	local, err := orchestrator.NewLocal(orchestrator.LocalConfig{Catalog: catalog, Engine: eng})
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	h, err := NewHandler(local, catalog, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	execPlan, err := plan.BuildPlan(p, map[string]any{"limit": 1})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	rawPlan, err := plan.MarshalExecutionPlan(execPlan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}

	submit := func(params string) *httptest.ResponseRecorder {
		body := `{"plan":` + string(rawPlan) + `,"params":` + params + `}`
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body)))
		return rec
	}

	if rec := submit(`{}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing params status=%d, want 422", rec.Code)
	}

	rec := submit(`{"limit": 5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status=%d body=%s", rec.Code, rec.Body.String())
	}
	var accepted runStatusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+accepted.RunID+"/result", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-flight result status=%d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/"+accepted.RunID+"/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status=%d", rec.Code)
	}
	run, err := local.Wait(context.Background(), orchestrator.RunHandle{RunID: accepted.RunID})
	if err != nil || run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s (%v)", run.Status, err)
	}
	close(block)
}

func TestNormalize(t *testing.T) {
	var decoded map[string]any
	if err := decodeJSON([]byte(`{"n": 3, "f": 1.5, "list": [1, 2.5], "nested": {"big": 12345678901}}`), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := normalizeParams(decoded)
	want := map[string]any{
		"n":      3,
		"f":      1.5,
		"list":   []any{1, 2.5},
		"nested": map[string]any{"big": 12345678901},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalize=%#v", got)
	}
}
