package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// Store is an in-memory session record store. It backs tests and
// DSN-less deployments; records do not survive a restart.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session store.CaptureSession
	devices map[string]*store.DeviceCapture
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionRecord)}
}

func (s *Store) CreateSession(ctx context.Context, session *store.CaptureSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &sessionRecord{
		session: *session,
		devices: make(map[string]*store.DeviceCapture, len(session.Devices)),
	}
	rec.session.Devices = nil
	for i := range session.Devices {
		d := session.Devices[i]
		d.SessionID = session.SessionID
		d.MAC = store.NormalizeMAC(d.MAC)
		rec.devices[d.MAC] = &d
	}
	s.sessions[session.SessionID] = rec
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.CaptureSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.CaptureSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.CaptureSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	snap := rec.snapshot()
	return &snap, nil
}

func (s *Store) GetDevice(ctx context.Context, sessionID, mac string) (*store.DeviceCapture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, err := s.device(sessionID, mac)
	if err != nil {
		return nil, err
	}
	cp := *dev
	return &cp, nil
}

func (s *Store) UpdateDeviceProgress(ctx context.Context, sessionID, mac string, progress, total int, endedAt time.Time, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.device(sessionID, mac)
	if err != nil {
		return err
	}
	dev.Progress = progress
	dev.Total = total
	dev.Capturing = total <= 0 || progress < total
	dev.EndedAt = &endedAt
	if filename != "" {
		dev.OutputFilename = filename
	}
	s.refreshActive(sessionID)
	return nil
}

func (s *Store) SetDeviceCapturing(ctx context.Context, sessionID, mac string, capturing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.device(sessionID, mac)
	if err != nil {
		return err
	}
	dev.Capturing = capturing
	s.refreshActive(sessionID)
	return nil
}

func (s *Store) SetSessionActive(ctx context.Context, sessionID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	rec.session.IsActive = active
	return nil
}

func (s *Store) SetDeviceArtifactURL(ctx context.Context, sessionID, mac, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.device(sessionID, mac)
	if err != nil {
		return err
	}
	dev.ArtifactURL = url
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, sessionID, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	key := store.NormalizeMAC(mac)
	if _, ok := rec.devices[key]; !ok {
		return store.ErrDeviceNotFound
	}
	delete(rec.devices, key)

	// Last device gone: remove the now-empty session as a follow-up.
	if len(rec.devices) == 0 {
		delete(s.sessions, sessionID)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// device looks up a mutable device record. Callers hold s.mu.
func (s *Store) device(sessionID, mac string) (*store.DeviceCapture, error) {
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	dev, ok := rec.devices[store.NormalizeMAC(mac)]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return dev, nil
}

// refreshActive derives the session flag from its devices. Callers hold s.mu.
func (s *Store) refreshActive(sessionID string) {
	rec, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	active := false
	for _, d := range rec.devices {
		if d.Capturing {
			active = true
			break
		}
	}
	rec.session.IsActive = active
}

// snapshot copies the record with devices sorted by MAC for stable output.
func (r *sessionRecord) snapshot() store.CaptureSession {
	out := r.session
	out.Devices = make([]store.DeviceCapture, 0, len(r.devices))
	for _, d := range r.devices {
		out.Devices = append(out.Devices, *d)
	}
	sort.Slice(out.Devices, func(i, j int) bool {
		return out.Devices[i].MAC < out.Devices[j].MAC
	})
	return out
}
