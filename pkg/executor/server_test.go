package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

const testToken = "test-token"

func newTestServer(t *testing.T, backends ...Backend) *httptest.Server {
	t.Helper()
	if backends == nil {
		backends = []Backend{NewInterpreterBackend()}
	}
	s := NewServer(Config{
		Token:       testToken,
		UploadRoots: []string{t.TempDir()},
	}, version.FixedProbe("abc1234", "main"), backends)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report types.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "abc1234", report.Commit)
	assert.True(t, report.Methods["interpreter"])
}

func TestVersionUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report types.VersionReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "abc1234", report.Commit)
	assert.Equal(t, "main", report.Branch)
}

func TestExecuteRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	for _, token := range []string{"", "wrong"} {
		resp := doJSON(t, ts, http.MethodPost, "/execute", token, types.ExecuteRequest{Command: "true"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// No body leak on auth failure.
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		assert.Zero(t, buf.Len())
	}
}

func TestExecuteRunsCommand(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{
		Command: "echo hello && echo oops >&2",
		Timeout: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result types.ExecuteResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "interpreter", result.Method)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Zero(t, result.ExitCode)
}

func TestExecuteReportsExitCode(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{
		Command: "exit 3",
		Timeout: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result types.ExecuteResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecuteKillsOnTimeout(t *testing.T) {
	ts := newTestServer(t)

	start := time.Now()
	resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{
		Command: "sleep 30",
		Timeout: 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(start), 10*time.Second)

	var result types.ExecuteResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Stderr, "timeout after 1 s")
}

func TestExecuteRequiresCommand(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	ts := newTestServer(t)

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{
				Command: "sleep 2",
				Timeout: 10,
			})
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	var ok, busy int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusServiceUnavailable:
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
}

// unavailableBackend is a tier that always declines.
type unavailableBackend struct{ name string }

func (b *unavailableBackend) Name() string    { return b.name }
func (b *unavailableBackend) Available() bool { return false }
func (b *unavailableBackend) Run(context.Context, string, string, time.Duration) *types.ExecuteResult {
	panic("unavailable backend must never run")
}

func TestBackendFallsThroughTiers(t *testing.T) {
	ts := newTestServer(t,
		&unavailableBackend{name: "container"},
		&unavailableBackend{name: "venv"},
		NewInterpreterBackend(),
	)

	resp := doJSON(t, ts, http.MethodPost, "/execute", testToken, types.ExecuteRequest{
		Command: "true",
		Timeout: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result types.ExecuteResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "interpreter", result.Method)

	// Health still reports every tier with its availability.
	resp = doJSON(t, ts, http.MethodGet, "/health", "", nil)
	var report types.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.False(t, report.Methods["container"])
	assert.False(t, report.Methods["venv"])
	assert.True(t, report.Methods["interpreter"])
}

func TestVenvBackendAvailability(t *testing.T) {
	dir := t.TempDir()
	b := NewVenvBackend(dir)
	assert.False(t, b.Available())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	assert.True(t, b.Available())
}

func TestUploadWritesWithinRoot(t *testing.T) {
	root := t.TempDir()
	s := NewServer(Config{
		Token:       testToken,
		UploadRoots: []string{root},
	}, version.FixedProbe("abc1234", "main"), []Backend{NewInterpreterBackend()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	target := filepath.Join(root, "nested", "dir", "file.txt")
	resp := doJSON(t, ts, http.MethodPost, "/upload", testToken, types.UploadRequest{
		Path:          target,
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("payload")),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestUploadRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s := NewServer(Config{
		Token:       testToken,
		UploadRoots: []string{root},
	}, version.FixedProbe("abc1234", "main"), []Backend{NewInterpreterBackend()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, path := range []string{
		"/etc/passwd",
		filepath.Join(root, "..", "escape.txt"),
		"relative/path.txt",
	} {
		resp := doJSON(t, ts, http.MethodPost, "/upload", testToken, types.UploadRequest{
			Path:          path,
			ContentBase64: base64.StdEncoding.EncodeToString([]byte("x")),
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestUploadRejectsBadBase64(t *testing.T) {
	root := t.TempDir()
	s := NewServer(Config{
		Token:       testToken,
		UploadRoots: []string{root},
	}, version.FixedProbe("abc1234", "main"), []Backend{NewInterpreterBackend()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/upload", testToken, types.UploadRequest{
		Path:          filepath.Join(root, "f.txt"),
		ContentBase64: "not base64!!",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
