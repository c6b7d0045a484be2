package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/engine"
	"github.com/buildkite/thingy/internal/httpapi"
	"github.com/buildkite/thingy/internal/osutil"
	"github.com/buildkite/thingy/logger"
)

type fakeGit struct{ heads map[string]string }

func (g *fakeGit) ListRemoteHeads(ctx context.Context, repoURL string, auth *config.GitAuth) (map[string]string, error) {
	return g.heads, nil
}

func (g *fakeGit) CloneCommit(ctx context.Context, repoURL, branch, commitHash, destDir string, auth *config.GitAuth) error {
	path := filepath.Join(destDir, "build.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho building\nexit 0\n"), 0o755); err != nil {
		return err
	}
	return osutil.ChmodExecutable(path)
}

func newTestServer(t *testing.T) (http.Handler, *engine.Root) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte("jobs: []\n"), 0o644))
	ws, err := config.Load(dir)
	require.NoError(t, err)

	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), func(int) {})
	root := engine.New(ws, &fakeGit{heads: map[string]string{"main": "abc"}}, log, nil)
	t.Cleanup(root.Shutdown)

	return httpapi.New(root, log, nil), root
}

func TestCreateAndListJobs(t *testing.T) {
	handler, _ := newTestServer(t)

	body, _ := json.Marshal(config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "widgets")
}

func TestCreateDuplicateJobFailsWithMessage(t *testing.T) {
	handler, _ := newTestServer(t)
	body, _ := json.Marshal(config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"})

	for i, wantCode := range []int{http.StatusNoContent, http.StatusInternalServerError} {
		req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equalf(t, wantCode, rec.Code, "attempt %d", i)
	}
}

func TestGetUnknownJobReturns404WithMessageBody(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "message")
}

func TestBranchLifecycleEndpoints(t *testing.T) {
	handler, root := newTestServer(t)

	body, _ := json.Marshal(config.Job{Name: "widgets", RepoURL: "git://example/widgets", BuildScript: "build.sh"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, root.PollJob("widgets"))

	var details engine.JobDetails
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/jobs/widgets", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &details)
		return len(details.Branches) == 1
	}, 2*time.Second, 10*time.Millisecond)

	req = httptest.NewRequest(http.MethodPost, "/jobs/widgets/branches/main/builds", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/jobs/widgets/branches/main", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var state engine.BranchState
		_ = json.Unmarshal(rec.Body.Bytes(), &state)
		// build 1 comes from the poll that adding the job triggers, build 2 from the force-build
		return len(state.Builds) == 2 && state.Builds[0].Status == engine.StatusFinished && state.Builds[1].Status == engine.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	req = httptest.NewRequest(http.MethodGet, "/jobs/widgets/branches/main/builds/1/log", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "building")

	req = httptest.NewRequest(http.MethodDelete, "/jobs/widgets", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticUIServedWithHTMLContentType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte("jobs: []\n"), 0o644))
	ws, err := config.Load(dir)
	require.NoError(t, err)

	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), func(int) {})
	root := engine.New(ws, &fakeGit{heads: map[string]string{}}, log, nil)
	t.Cleanup(root.Shutdown)

	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<!doctype html><title>thingy</title>"), 0o644))

	handler := httpapi.New(root, log, os.DirFS(staticDir))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	req = httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
