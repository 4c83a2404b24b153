//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const deployTemplate = `
schema: animus.deploy.v1
default_target: platform
targets:
  platform:
    orchestrator:
      kind: local
      settings:
        max_workers: "4"
    artifact_store:
      kind: minio
    cache:
      kind: postgres
      settings:
        migrate: "true"
    metadata:
      kind: postgres
      settings:
        migrate: "true"
  remote:
    orchestrator:
      kind: remote
      settings:
        base_url: http://%s
        poll_interval: 100ms
    artifact_store:
      kind: memory
  redis:
    orchestrator:
      kind: local
    artifact_store:
      kind: minio
      settings:
        prefix: redis-target
    cache:
      kind: redis
      settings:
        ttl: 10m
`

func TestOrchestratorServerAndRunner(t *testing.T) {
	infra := ensureInfra(t)
	tmpDir := t.TempDir()

	server := buildBinary(t, tmpDir, "./orchestrator-server")
	runner := buildBinary(t, tmpDir, "./pipeline-runner")

	addr := freeAddr(t)
	deployFile := filepath.Join(tmpDir, "deploy.yaml")
	if err := os.WriteFile(deployFile, []byte(fmt.Sprintf(deployTemplate, addr)), 0o600); err != nil {
		t.Fatalf("write deployment: %v", err)
	}
	baseEnv := append(os.Environ(), infra.env()...)
	baseEnv = append(baseEnv, "ANIMUS_DEPLOY_FILE="+deployFile)

	var serverOut bytes.Buffer
	cmd := exec.Command(server)
	cmd.Env = append(baseEnv, "ORCHESTRATOR_HTTP_ADDR="+addr, "ANIMUS_DEPLOY_TARGET=platform")
	cmd.Stdout = &serverOut
	cmd.Stderr = &serverOut
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &serverOut) })

	waitHTTP200(t, fmt.Sprintf("http://%s/readyz", addr))
	for _, path := range []string{"/healthz", "/metrics", "/v1/pipelines"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
		if err != nil {
			t.Fatalf("GET %s: %v\n%s", path, err, serverOut.String())
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d\n%s", path, resp.StatusCode, serverOut.String())
		}
	}

	runPipeline := func(t *testing.T, args ...string) string {
		t.Helper()
		run := exec.Command(runner, args...)
		run.Env = baseEnv
		out, err := run.CombinedOutput()
		if err != nil {
			t.Fatalf("pipeline-runner %v: %v\n%s", args, err, string(out))
		}
		return string(out)
	}

	t.Run("remote", func(t *testing.T) {
		out := runPipeline(t, "-target", "remote", "-param", "factor=3")
		if !strings.Contains(out, ": succeeded") || !strings.Contains(out, "output result = [3 6 9 12 15]") {
			t.Fatalf("unexpected output:\n%s", out)
		}
	})

	for _, target := range []string{"platform", "redis"} {
		if target == "redis" && infra.redisAddr == "" {
			continue
		}
		t.Run(target+" cache", func(t *testing.T) {
			first := runPipeline(t, "-target", target, "-pipeline", "stats", "-param", "series=[1,2,3,4]")
			if !strings.Contains(first, "output mean = 2.5") {
				t.Fatalf("unexpected output:\n%s", first)
			}
			second := runPipeline(t, "-target", target, "-pipeline", "stats", "-param", "series=[1,2,3,4]")
			if !strings.Contains(second, " cached") {
				t.Fatalf("second run should hit the cache:\n%s", second)
			}
		})
	}
}
