package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
	"github.com/brendaschussler/scaniot-capture/internal/shell"
	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// ErrNoDevices is returned when a capture request names no devices.
var ErrNoDevices = errors.New("capture request has no target devices")

// ErrUnknownMode is returned for a capture mode this build does not know.
var ErrUnknownMode = errors.New("unknown capture mode")

// CaptureSupervisor is the orchestrator's view of the process
// supervisor.
type CaptureSupervisor interface {
	ValidateCountTarget(packetCount int) error
	ValidateTimeTarget(duration time.Duration) error
	StartCountCapture(ctx context.Context, sessionID string, macs []string, packetCount int, logicalName string) error
	StartTimeCapture(ctx context.Context, sessionID string, macs []string, duration time.Duration, logicalName string) error
	Stop(ctx context.Context, sessionID, mac string) error
	StopSession(ctx context.Context, sessionID string)
}

// DeviceSpec identifies one capture target plus its display metadata.
type DeviceSpec struct {
	MAC            string `json:"mac"`
	Name           string `json:"name,omitempty"`
	IP             string `json:"ip,omitempty"`
	Vendor         string `json:"vendor,omitempty"`
	DeviceModel    string `json:"device_model,omitempty"`
	DeviceLocation string `json:"device_location,omitempty"`
}

// CaptureRequest is a user-initiated capture spanning one or more
// devices. Exactly one of PacketCount or Duration applies, selected by
// Mode.
type CaptureRequest struct {
	Mode        store.CaptureMode
	PacketCount int
	Duration    time.Duration
	OutputName  string
	Devices     []DeviceSpec
}

// Orchestrator is the facade over the record store and the capture
// supervisor. It owns session identity and the start/stop/delete
// choreography; progress flows to the store through the notifier, not
// through here.
type Orchestrator struct {
	store  store.Store
	sup    CaptureSupervisor
	runner shell.Runner
	log    *logger.Logger
}

// New creates an orchestrator.
func New(recordStore store.Store, sup CaptureSupervisor, runner shell.Runner) *Orchestrator {
	return &Orchestrator{
		store:  recordStore,
		sup:    sup,
		runner: runner,
		log:    logger.GetLogger(),
	}
}

// CheckPreconditions verifies the elevated environment can run
// captures at all: root access and a working tcpdump. The timeout
// helper is checked separately per capture mode.
func (o *Orchestrator) CheckPreconditions(ctx context.Context) error {
	if err := shell.CheckElevatedAccess(ctx, o.runner); err != nil {
		return err
	}
	return shell.CheckCaptureTool(ctx, o.runner)
}

// StartCapture creates a session record and spawns one supervised
// capture per device. The record is persisted before any process
// starts so progress writes always find it. When spawning fails the
// session is closed out rather than deleted, keeping the attempt
// visible.
func (o *Orchestrator) StartCapture(ctx context.Context, req CaptureRequest) (*store.CaptureSession, error) {
	if len(req.Devices) == 0 {
		return nil, ErrNoDevices
	}
	if req.OutputName == "" {
		req.OutputName = "capture"
	}

	if err := o.CheckPreconditions(ctx); err != nil {
		return nil, err
	}

	var target int64
	switch req.Mode {
	case store.ModePacketCount:
		if err := o.sup.ValidateCountTarget(req.PacketCount); err != nil {
			return nil, err
		}
		target = int64(req.PacketCount)
	case store.ModeTimeLimit:
		if err := o.sup.ValidateTimeTarget(req.Duration); err != nil {
			return nil, err
		}
		if err := shell.CheckTimeoutHelper(ctx, o.runner); err != nil {
			return nil, err
		}
		target = req.Duration.Milliseconds()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}

	sessionID := uuid.NewString()
	now := time.Now()
	session := &store.CaptureSession{
		SessionID:   sessionID,
		CreatedAt:   now,
		Mode:        req.Mode,
		TargetValue: target,
		IsActive:    true,
	}

	macs := make([]string, 0, len(req.Devices))
	for _, d := range req.Devices {
		mac := store.NormalizeMAC(d.MAC)
		macs = append(macs, mac)
		dev := store.DeviceCapture{
			SessionID:      sessionID,
			MAC:            mac,
			Name:           d.Name,
			IP:             d.IP,
			Vendor:         d.Vendor,
			DeviceModel:    d.DeviceModel,
			DeviceLocation: d.DeviceLocation,
			Capturing:      true,
			StartedAt:      now,
			OutputFilename: req.OutputName,
		}
		if req.Mode == store.ModePacketCount {
			// Count mode knows its total up front; time mode reports it
			// with the first tick.
			dev.Total = req.PacketCount
		}
		session.Devices = append(session.Devices, dev)
	}

	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist capture session: %w", err)
	}

	var err error
	if req.Mode == store.ModePacketCount {
		err = o.sup.StartCountCapture(ctx, sessionID, macs, req.PacketCount, req.OutputName)
	} else {
		err = o.sup.StartTimeCapture(ctx, sessionID, macs, req.Duration, req.OutputName)
	}
	if err != nil {
		o.closeOut(ctx, sessionID, macs)
		return nil, err
	}

	o.log.Info("[orchestrator] Started %s capture %s for %d device(s)", req.Mode, sessionID, len(macs))
	return o.store.GetSession(ctx, sessionID)
}

// closeOut marks every device and the session non-capturing after a
// failed start.
func (o *Orchestrator) closeOut(ctx context.Context, sessionID string, macs []string) {
	for _, mac := range macs {
		if err := o.store.SetDeviceCapturing(ctx, sessionID, mac, false); err != nil {
			o.log.Warn("[orchestrator] Failed to close out %s/%s: %v", sessionID, mac, err)
		}
	}
	if err := o.store.SetSessionActive(ctx, sessionID, false); err != nil {
		o.log.Warn("[orchestrator] Failed to deactivate session %s: %v", sessionID, err)
	}
}

// ListSessions returns every session newest-first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]store.CaptureSession, error) {
	return o.store.ListSessions(ctx)
}

// GetSession returns one session with its devices.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*store.CaptureSession, error) {
	return o.store.GetSession(ctx, sessionID)
}

// StopDevice ends one device's capture early. Progress persisted so
// far is kept; stopping a finished capture is a no-op.
func (o *Orchestrator) StopDevice(ctx context.Context, sessionID, mac string) error {
	if _, err := o.store.GetDevice(ctx, sessionID, mac); err != nil {
		return err
	}
	return o.sup.Stop(ctx, sessionID, mac)
}

// StopSession ends every live capture of a session.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) error {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	o.sup.StopSession(ctx, sessionID)
	return nil
}

// DeleteDevice stops a device's capture if still live and removes its
// record. Removing the last device removes the session as a follow-up.
func (o *Orchestrator) DeleteDevice(ctx context.Context, sessionID, mac string) error {
	if err := o.sup.Stop(ctx, sessionID, mac); err != nil {
		o.log.Warn("[orchestrator] Failed to stop %s/%s before delete: %v", sessionID, mac, err)
	}
	return o.store.DeleteDevice(ctx, sessionID, mac)
}

// DeleteSession stops every live capture of a session and removes the
// session with all its device records.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	o.sup.StopSession(ctx, sessionID)
	return o.store.DeleteSession(ctx, sessionID)
}
