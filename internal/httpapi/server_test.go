package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendaschussler/scaniot-capture/internal/capture"
	"github.com/brendaschussler/scaniot-capture/internal/notify"
	"github.com/brendaschussler/scaniot-capture/internal/orchestrator"
	"github.com/brendaschussler/scaniot-capture/internal/shell"
	"github.com/brendaschussler/scaniot-capture/internal/store"
	"github.com/brendaschussler/scaniot-capture/internal/store/memory"
)

// idleSupervisor accepts every start and stop without side effects.
type idleSupervisor struct{}

func (idleSupervisor) ValidateCountTarget(packetCount int) error {
	if packetCount <= 0 {
		return capture.ErrInvalidTarget
	}
	return nil
}

func (idleSupervisor) ValidateTimeTarget(duration time.Duration) error {
	if duration <= 0 {
		return capture.ErrInvalidTarget
	}
	return nil
}

func (idleSupervisor) StartCountCapture(ctx context.Context, sessionID string, macs []string, packetCount int, logicalName string) error {
	return nil
}
func (idleSupervisor) StartTimeCapture(ctx context.Context, sessionID string, macs []string, duration time.Duration, logicalName string) error {
	return nil
}
func (idleSupervisor) Stop(ctx context.Context, sessionID, mac string) error { return nil }
func (idleSupervisor) StopSession(ctx context.Context, sessionID string)     {}

// rootRunner reports a healthy elevated environment.
type rootRunner struct{}

func (rootRunner) Start(ctx context.Context, cmdline string) (shell.Process, error) {
	return nil, fmt.Errorf("not scripted")
}

func (rootRunner) Run(ctx context.Context, cmdline string) (string, error) {
	switch {
	case strings.Contains(cmdline, "tcpdump"):
		return "1", nil
	case strings.Contains(cmdline, "timeout"):
		return "/usr/bin/timeout", nil
	default:
		return "uid=0(root)", nil
	}
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *notify.Notifier) {
	t.Helper()
	st := memory.NewStore()
	n := notify.NewNotifier(st, 16)
	t.Cleanup(n.Close)
	orc := orchestrator.New(st, idleSupervisor{}, rootRunner{})
	return NewServer(orc, n), st, n
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, srv *Server) store.CaptureSession {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/captures", jsonBody{
		"mode":         "PACKET_COUNT",
		"packet_count": 1000,
		"output_name":  "office",
		"devices": []map[string]string{
			{"mac": "AA:BB:CC:DD:EE:FF", "name": "cam"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess store.CaptureSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess
}

// jsonBody mirrors gin.H for request bodies without importing gin here.
type jsonBody = map[string]any

func TestCreateCapture(t *testing.T) {
	srv, st, _ := newTestServer(t)

	sess := createSession(t, srv)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, store.ModePacketCount, sess.Mode)
	require.Len(t, sess.Devices, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", sess.Devices[0].MAC)

	stored, err := st.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestCreateCapture_BadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/captures", jsonBody{"packet_count": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/captures", jsonBody{
		"mode":    "FOREVER",
		"devices": []map[string]string{{"mac": "aa:bb:cc:dd:ee:ff"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/captures", jsonBody{
		"mode":         "PACKET_COUNT",
		"packet_count": 0,
		"devices":      []map[string]string{{"mac": "aa:bb:cc:dd:ee:ff"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndGetCaptures(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/captures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []store.CaptureSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/captures/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/captures/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/captures/"+sess.SessionID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost,
		"/api/v1/captures/"+sess.SessionID+"/devices/aa:bb:cc:dd:ee:ff/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost,
		"/api/v1/captures/"+sess.SessionID+"/devices/00:00:00:00:00:00/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEndpoints(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sess := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodDelete,
		"/api/v1/captures/"+sess.SessionID+"/devices/aa:bb:cc:dd:ee:ff", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Last device removed the session as a follow-up.
	_, err := st.GetSession(context.Background(), sess.SessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	sess = createSession(t, srv)
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/captures/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/captures/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	srv, _, n := newTestServer(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	n.Notify(notify.ProgressEvent{SessionID: "s1", DeviceMAC: "aa:bb:cc:dd:ee:ff", Progress: 50, Total: 1000})

	buf := make([]byte, 4096)
	nRead, err := resp.Body.Read(buf)
	require.NoError(t, err)
	body := string(buf[:nRead])
	assert.Contains(t, body, "event:progress")
	assert.Contains(t, body, `"progress":50`)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Host struct {
			HostID  string `json:"host_id"`
			Version string `json:"version"`
		} `json:"host"`
		CaptureReady bool `json:"capture_ready"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.CaptureReady)
	assert.NotEmpty(t, out.Host.HostID)
	assert.NotEmpty(t, out.Host.Version)
}
