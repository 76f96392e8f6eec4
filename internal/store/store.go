package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("capture session not found")

// ErrDeviceNotFound is returned when a (session, mac) pair has no record.
var ErrDeviceNotFound = errors.New("device capture not found")

// CaptureMode is the stopping condition of a capture session.
type CaptureMode string

const (
	// ModePacketCount stops each device capture after a fixed packet count.
	ModePacketCount CaptureMode = "PACKET_COUNT"
	// ModeTimeLimit stops each device capture after a wall-clock duration.
	ModeTimeLimit CaptureMode = "TIME_LIMIT"
)

// CaptureSession is one user-initiated capture request spanning one or
// more target devices. Immutable after creation except for IsActive.
type CaptureSession struct {
	SessionID string      `json:"session_id"`
	CreatedAt time.Time   `json:"created_at"`
	Mode      CaptureMode `json:"mode"`
	// TargetValue is the packet count for ModePacketCount or the
	// duration in milliseconds for ModeTimeLimit.
	TargetValue int64           `json:"target_value"`
	IsActive    bool            `json:"is_active"`
	Devices     []DeviceCapture `json:"devices"`
}

// DeviceCapture is the per-device slice of a session: one supervised
// process, one progress trajectory, one artifact.
type DeviceCapture struct {
	SessionID string `json:"session_id"`
	MAC       string `json:"mac"`

	Name           string `json:"name,omitempty"`
	IP             string `json:"ip,omitempty"`
	Vendor         string `json:"vendor,omitempty"`
	DeviceModel    string `json:"device_model,omitempty"`
	DeviceLocation string `json:"device_location,omitempty"`

	Capturing bool `json:"capturing"`
	// Progress is packets captured or seconds elapsed.
	Progress int `json:"progress"`
	// Total is the target packet count or target seconds. Zero until
	// the target is known (time mode before the first tick).
	Total int `json:"total"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// OutputFilename is the logical capture name chosen by the user,
	// independent of mode. The artifact naming convention appends
	// _<mac>_<sessionID>.pcap.
	OutputFilename string `json:"output_filename"`
	// ArtifactURL is the remote location of the uploaded capture file.
	// Set only after Capturing has transitioned to false.
	ArtifactURL string `json:"artifact_url,omitempty"`
}

// Store is the durable record store for capture sessions. Writes set
// absolute values, never deltas, so duplicate delivery is harmless.
type Store interface {
	// CreateSession persists a session together with its device
	// captures in a single call.
	CreateSession(ctx context.Context, session *CaptureSession) error

	// ListSessions returns all sessions newest-first, devices included.
	ListSessions(ctx context.Context) ([]CaptureSession, error)

	// GetSession returns one session with its devices.
	GetSession(ctx context.Context, sessionID string) (*CaptureSession, error)

	// GetDevice returns one device capture record.
	GetDevice(ctx context.Context, sessionID, mac string) (*DeviceCapture, error)

	// UpdateDeviceProgress sets absolute progress/total for a device and
	// derives capturing from progress < total. EndedAt records the time
	// of the update that carried it.
	UpdateDeviceProgress(ctx context.Context, sessionID, mac string, progress, total int, endedAt time.Time, filename string) error

	// SetDeviceCapturing flips the capturing flag without touching progress.
	SetDeviceCapturing(ctx context.Context, sessionID, mac string, capturing bool) error

	// SetSessionActive flips the session-level active flag.
	SetSessionActive(ctx context.Context, sessionID string, active bool) error

	// SetDeviceArtifactURL records the remote artifact location.
	SetDeviceArtifactURL(ctx context.Context, sessionID, mac, url string) error

	// DeleteDevice removes one device capture. When it was the last
	// device of its session the session record is removed as a
	// follow-up, not atomically.
	DeleteDevice(ctx context.Context, sessionID, mac string) error

	// DeleteSession removes a session and all its device captures.
	DeleteSession(ctx context.Context, sessionID string) error
}

// NormalizeMAC canonicalizes a MAC address for use as a store key.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
