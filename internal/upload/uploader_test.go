package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendaschussler/scaniot-capture/internal/retry"
)

// urlStore records artifact URL write-backs.
type urlStore struct {
	mu   sync.Mutex
	urls map[string]string
}

func newURLStore() *urlStore { return &urlStore{urls: make(map[string]string)} }

func (s *urlStore) SetDeviceArtifactURL(ctx context.Context, sessionID, mac, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[sessionID+"/"+mac] = url
	return nil
}

func (s *urlStore) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[key]
}

func writeCaptureFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestArtifactFileName(t *testing.T) {
	name := ArtifactFileName("office", "AA:BB:CC:DD:EE:FF", "sess-1")
	assert.Equal(t, "office_aa:bb:cc:dd:ee:ff_sess-1.pcap", name)
}

func TestUpload_Success(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotKey.Store(r.FormValue("key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://artifacts.example.com/pcaps/x.pcap"}`))
	}))
	defer srv.Close()

	st := newURLStore()
	u := NewHTTPUploader(Config{Server: srv.URL, MaxFileBytes: 1 << 20, Policy: fastPolicy(3)}, st)

	path := writeCaptureFile(t, "office_aa:bb:cc:dd:ee:ff_s1.pcap", 128)
	u.Upload(context.Background(), path, "s1", "aa:bb:cc:dd:ee:ff", "office")
	u.Wait()

	assert.Equal(t, "pcaps/office_aa:bb:cc:dd:ee:ff_s1.pcap", gotKey.Load())
	assert.Equal(t, "https://artifacts.example.com/pcaps/x.pcap", st.get("s1/aa:bb:cc:dd:ee:ff"))
}

func TestUpload_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"url":"https://artifacts.example.com/ok.pcap"}`))
	}))
	defer srv.Close()

	st := newURLStore()
	u := NewHTTPUploader(Config{Server: srv.URL, MaxFileBytes: 1 << 20, Policy: fastPolicy(5)}, st)

	path := writeCaptureFile(t, "c.pcap", 64)
	u.Upload(context.Background(), path, "s1", "aa:bb:cc:dd:ee:ff", "office")
	u.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "https://artifacts.example.com/ok.pcap", st.get("s1/aa:bb:cc:dd:ee:ff"))
}

func TestUpload_ExhaustedRetriesAreSilent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newURLStore()
	u := NewHTTPUploader(Config{Server: srv.URL, MaxFileBytes: 1 << 20, Policy: fastPolicy(3)}, st)

	path := writeCaptureFile(t, "c.pcap", 64)
	u.Upload(context.Background(), path, "s1", "aa:bb:cc:dd:ee:ff", "office")
	u.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, st.get("s1/aa:bb:cc:dd:ee:ff"))
}

func TestUpload_OversizedFileRejectedWithoutAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	st := newURLStore()
	u := NewHTTPUploader(Config{Server: srv.URL, MaxFileBytes: 16, Policy: fastPolicy(3)}, st)

	path := writeCaptureFile(t, "big.pcap", 1024)
	u.Upload(context.Background(), path, "s1", "aa:bb:cc:dd:ee:ff", "office")
	u.Wait()

	assert.Zero(t, calls.Load())
	assert.Empty(t, st.get("s1/aa:bb:cc:dd:ee:ff"))
}

func TestUpload_MissingFileRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	u := NewHTTPUploader(Config{Server: srv.URL, MaxFileBytes: 1 << 20, Policy: fastPolicy(3)}, newURLStore())
	u.Upload(context.Background(), "/nonexistent/capture.pcap", "s1", "aa:bb:cc:dd:ee:ff", "office")
	u.Wait()

	assert.Zero(t, calls.Load())
}
