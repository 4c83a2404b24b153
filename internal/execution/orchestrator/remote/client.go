package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/plan"
	"github.com/animus-labs/animus-pipelines/internal/platform/env"
	"github.com/animus-labs/animus-pipelines/internal/platform/requestid"
)

const (
	KindRemote = "remote"

	DefaultPollInterval = 2 * time.Second

	codeRunNotFound       = "run_not_found"
	codePipelineNotFound  = "pipeline_not_found"
	codeMissingParameters = "missing_parameters"
	codeInvalidPlan       = "invalid_plan"
	codeRunNotFinished    = "run_not_finished"
)

type Config struct {
	// BaseURL is the orchestrator server root, e.g. https://pipelines.example.com.
	BaseURL string
	// IssuerURL enables OIDC discovery of the token endpoint.
	IssuerURL string
	// TokenURL overrides discovery.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// APIError is a non-2xx response from the orchestrator server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("orchestrator api: status %d: %s", e.Status, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Is(target error) bool {
	switch e.Code {
	case codeRunNotFound:
		return target == orchestrator.ErrRunNotFound
	case codePipelineNotFound:
		return target == orchestrator.ErrPipelineNotFound
	case codeMissingParameters:
		return target == domain.ErrMissingParameter
	case codeInvalidPlan:
		return target == domain.ErrConfiguration
	}
	return false
}

// Client implements orchestrator.Orchestrator against a remote server.
type Client struct {
	baseURL      *url.URL
	http         *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient builds a client. When ClientID is set requests carry an OAuth2
// client-credentials token; the token endpoint is TokenURL or the one
// advertised by the issuer's discovery document.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("base url must be absolute")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(cfg.ClientID) != "" {
		tokenURL := strings.TrimSpace(cfg.TokenURL)
		if tokenURL == "" {
			if strings.TrimSpace(cfg.IssuerURL) == "" {
				return nil, errors.New("issuer url or token url is required with a client id")
			}
			provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
			if err != nil {
				return nil, fmt.Errorf("oidc provider: %w", err)
			}
			tokenURL = provider.Endpoint().TokenURL
		}
		creds := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		}
		// Token refreshes outlive ctx.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := creds.Client(tokenCtx)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Client{baseURL: base, http: httpClient, pollInterval: poll, logger: logger}, nil
}

// Factory builds a remote client from deployment settings: base_url,
// issuer_url, token_url, client_id, client_secret_env, scopes, poll_interval.
func Factory(ctx context.Context, settings orchestrator.Settings, deps orchestrator.Env) (orchestrator.Orchestrator, error) {
	cfg := Config{
		BaseURL:   settings.Get("base_url", ""),
		IssuerURL: settings.Get("issuer_url", ""),
		TokenURL:  settings.Get("token_url", ""),
		ClientID:  settings.Get("client_id", ""),
		Scopes:    strings.Fields(settings.Get("scopes", "")),
		Logger:    deps.Logger,
	}
	if name := settings.Get("client_secret_env", ""); name != "" {
		cfg.ClientSecret = env.String(name, "")
	}
	if raw := settings.Get("poll_interval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	return NewClient(ctx, cfg)
}

func (c *Client) Submit(ctx context.Context, execPlan domain.ExecutionPlan, params map[string]any) (orchestrator.RunHandle, error) {
	rawPlan, err := plan.MarshalExecutionPlan(execPlan)
	if err != nil {
		return orchestrator.RunHandle{}, fmt.Errorf("marshal plan: %w", err)
	}
	body, err := json.Marshal(submitRequest{Plan: rawPlan, Params: params})
	if err != nil {
		return orchestrator.RunHandle{}, fmt.Errorf("marshal params: %w", err)
	}
	var out runStatusPayload
	if err := c.do(ctx, http.MethodPost, "/v1/runs", body, &out); err != nil {
		return orchestrator.RunHandle{}, err
	}
	c.logger.Info("run submitted", "run_id", out.RunID, "pipeline", out.PipelineName)
	return orchestrator.RunHandle{RunID: out.RunID, PipelineName: out.PipelineName}, nil
}

func (c *Client) Status(ctx context.Context, handle orchestrator.RunHandle) (orchestrator.ExecutionStatus, error) {
	var out runStatusPayload
	if err := c.do(ctx, http.MethodGet, runPath(handle), nil, &out); err != nil {
		return "", err
	}
	status := orchestrator.NormalizeStatus(string(out.Status))
	if status == "" {
		return "", fmt.Errorf("unknown run status %q", out.Status)
	}
	return status, nil
}

// Wait polls Status until the run is final, then fetches the result.
func (c *Client) Wait(ctx context.Context, handle orchestrator.RunHandle) (domain.Run, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, handle)
		if err != nil {
			return domain.Run{}, err
		}
		if status.Done() {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		case <-ticker.C:
		}
	}

	var out runPayload
	if err := c.do(ctx, http.MethodGet, runPath(handle)+"/result", nil, &out); err != nil {
		return domain.Run{}, err
	}
	if len(out.Unencodable) > 0 {
		c.logger.Warn("run outputs without json form", "run_id", out.RunID, "outputs", out.Unencodable)
	}
	return decodeRun(out), nil
}

func (c *Client) Cancel(ctx context.Context, handle orchestrator.RunHandle) error {
	return c.do(ctx, http.MethodPost, runPath(handle)+"/cancel", nil, nil)
}

// Pipelines lists the pipelines the server can execute.
func (c *Client) Pipelines(ctx context.Context) ([]string, error) {
	var out struct {
		Pipelines []string `json:"pipelines"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/pipelines", nil, &out); err != nil {
		return nil, err
	}
	return out.Pipelines, nil
}

func runPath(handle orchestrator.RunHandle) string {
	return "/v1/runs/" + url.PathEscape(strings.TrimSpace(handle.RunID))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestid.Propagate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(requestid.Header)}
		var payload errorPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Message = payload.Message
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := decodeJSON(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
