package supervisor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/models"
	"github.com/psantana5/warden/pkg/store"
)

func statusServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	NewStatusHandler(h.sup).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatusEndpoints(t *testing.T) {
	h := newHarness(t, nil, step{code: 2, log: "boom"}, step{code: 0})
	require.NoError(t, runWithTimeout(t, h.sup))
	srv := statusServer(t, h)

	code, body := get(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "run-test", status.RunID)
	assert.Equal(t, models.PhaseStopped, status.Phase)
	assert.Equal(t, 2, status.Attempt)
	assert.Equal(t, 1, status.CrashRecord)
	assert.Equal(t, 3, status.Threshold)
	require.NotNil(t, status.LastExit)
	assert.Equal(t, 0, status.LastExit.ExitCode)
	require.Len(t, status.RecentCrashes, 1)
	assert.Equal(t, "generic_crash", status.RecentCrashes[0].Class)

	code, body = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"healthy"`)

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "warden_launches_total 2")
	assert.Contains(t, body, `warden_exits_total{class="generic_crash"} 1`)

	code, body = get(t, srv.URL+"/history")
	assert.Equal(t, http.StatusOK, code)
	var events []store.Event
	require.NoError(t, json.Unmarshal([]byte(body), &events))
	assert.Len(t, events, 4)
}

func TestHealthReportsHalt(t *testing.T) {
	h := newHarness(t, nil, step{code: 0})
	h.sup.setPhase(models.PhaseHalted)
	srv := statusServer(t, h)

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, strings.Contains(body, "halted"))
}

func TestStatusRejectsWrites(t *testing.T) {
	h := newHarness(t, nil)
	srv := statusServer(t, h)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&buf)
	h := &StatusHandler{logger: logger}

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusOK, make(chan int))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "status response not written")
}
