package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// sessionModel is the capture_sessions row.
type sessionModel struct {
	SessionID   string    `gorm:"column:session_id;size:64;primaryKey"`
	CreatedAt   time.Time `gorm:"column:created_at;index"`
	Mode        string    `gorm:"column:mode;size:20;not null"`
	TargetValue int64     `gorm:"column:target_value;not null"`
	IsActive    bool      `gorm:"column:is_active;index"`
}

func (sessionModel) TableName() string { return "capture_sessions" }

// deviceModel is the device_captures row, keyed (session_id, mac).
type deviceModel struct {
	SessionID string `gorm:"column:session_id;size:64;primaryKey"`
	MAC       string `gorm:"column:mac;size:17;primaryKey"`

	Name           string `gorm:"column:name;size:255"`
	IP             string `gorm:"column:ip;size:45"`
	Vendor         string `gorm:"column:vendor;size:255"`
	DeviceModel    string `gorm:"column:device_model;size:255"`
	DeviceLocation string `gorm:"column:device_location;size:255"`

	Capturing bool `gorm:"column:capturing;index"`
	Progress  int  `gorm:"column:progress;not null"`
	Total     int  `gorm:"column:total;not null"`

	StartedAt time.Time  `gorm:"column:started_at"`
	EndedAt   *time.Time `gorm:"column:ended_at"`

	OutputFilename string `gorm:"column:output_filename;size:255"`
	ArtifactURL    string `gorm:"column:artifact_url;size:512"`
}

func (deviceModel) TableName() string { return "device_captures" }

// Store is the Postgres-backed session record store.
type Store struct {
	db *gorm.DB
}

// NewStore connects to Postgres and migrates the capture tables.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&sessionModel{}, &deviceModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate capture tables: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateSession(ctx context.Context, session *store.CaptureSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := sessionModel{
			SessionID:   session.SessionID,
			CreatedAt:   session.CreatedAt,
			Mode:        string(session.Mode),
			TargetValue: session.TargetValue,
			IsActive:    session.IsActive,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		for i := range session.Devices {
			d := session.Devices[i]
			dev := deviceModel{
				SessionID:      session.SessionID,
				MAC:            store.NormalizeMAC(d.MAC),
				Name:           d.Name,
				IP:             d.IP,
				Vendor:         d.Vendor,
				DeviceModel:    d.DeviceModel,
				DeviceLocation: d.DeviceLocation,
				Capturing:      d.Capturing,
				Progress:       d.Progress,
				Total:          d.Total,
				StartedAt:      d.StartedAt,
				EndedAt:        d.EndedAt,
				OutputFilename: d.OutputFilename,
				ArtifactURL:    d.ArtifactURL,
			}
			if err := tx.Create(&dev).Error; err != nil {
				return fmt.Errorf("failed to create device capture: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListSessions(ctx context.Context) ([]store.CaptureSession, error) {
	var rows []sessionModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]store.CaptureSession, 0, len(rows))
	for _, row := range rows {
		devices, err := s.sessionDevices(ctx, row.SessionID)
		if err != nil {
			return nil, err
		}
		out = append(out, toSession(row, devices))
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.CaptureSession, error) {
	var row sessionModel
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	devices, err := s.sessionDevices(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess := toSession(row, devices)
	return &sess, nil
}

func (s *Store) GetDevice(ctx context.Context, sessionID, mac string) (*store.DeviceCapture, error) {
	var row deviceModel
	err := s.db.WithContext(ctx).
		First(&row, "session_id = ? AND mac = ?", sessionID, store.NormalizeMAC(mac)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device capture: %w", err)
	}
	dev := toDevice(row)
	return &dev, nil
}

func (s *Store) UpdateDeviceProgress(ctx context.Context, sessionID, mac string, progress, total int, endedAt time.Time, filename string) error {
	values := map[string]interface{}{
		"progress":  progress,
		"total":     total,
		"capturing": total <= 0 || progress < total,
		"ended_at":  endedAt,
	}
	if filename != "" {
		values["output_filename"] = filename
	}
	if err := s.updateDevice(ctx, sessionID, mac, values); err != nil {
		return err
	}
	return s.refreshActive(ctx, sessionID)
}

func (s *Store) SetDeviceCapturing(ctx context.Context, sessionID, mac string, capturing bool) error {
	if err := s.updateDevice(ctx, sessionID, mac, map[string]interface{}{"capturing": capturing}); err != nil {
		return err
	}
	return s.refreshActive(ctx, sessionID)
}

func (s *Store) SetSessionActive(ctx context.Context, sessionID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("session_id = ?", sessionID).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) SetDeviceArtifactURL(ctx context.Context, sessionID, mac, url string) error {
	return s.updateDevice(ctx, sessionID, mac, map[string]interface{}{"artifact_url": url})
}

func (s *Store) DeleteDevice(ctx context.Context, sessionID, mac string) error {
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND mac = ?", sessionID, store.NormalizeMAC(mac)).
		Delete(&deviceModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete device capture: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDeviceNotFound
	}

	// Follow-up cleanup: drop the session once its last device is gone.
	var remaining int64
	if err := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("session_id = ?", sessionID).
		Count(&remaining).Error; err != nil {
		return fmt.Errorf("failed to count remaining devices: %w", err)
	}
	if remaining == 0 {
		if err := s.db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Delete(&sessionModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete empty session: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&deviceModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete device captures: %w", err)
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&sessionModel{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return store.ErrSessionNotFound
		}
		return nil
	})
}

func (s *Store) updateDevice(ctx context.Context, sessionID, mac string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("session_id = ? AND mac = ?", sessionID, store.NormalizeMAC(mac)).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update device capture: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDeviceNotFound
	}
	return nil
}

// refreshActive derives the session-level active flag from its devices.
func (s *Store) refreshActive(ctx context.Context, sessionID string) error {
	var capturing int64
	if err := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("session_id = ? AND capturing = ?", sessionID, true).
		Count(&capturing).Error; err != nil {
		return fmt.Errorf("failed to count capturing devices: %w", err)
	}
	return s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("session_id = ?", sessionID).
		Update("is_active", capturing > 0).Error
}

func (s *Store) sessionDevices(ctx context.Context, sessionID string) ([]store.DeviceCapture, error) {
	var rows []deviceModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("mac ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load device captures: %w", err)
	}
	devices := make([]store.DeviceCapture, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, toDevice(row))
	}
	return devices, nil
}

func toSession(row sessionModel, devices []store.DeviceCapture) store.CaptureSession {
	return store.CaptureSession{
		SessionID:   row.SessionID,
		CreatedAt:   row.CreatedAt,
		Mode:        store.CaptureMode(row.Mode),
		TargetValue: row.TargetValue,
		IsActive:    row.IsActive,
		Devices:     devices,
	}
}

func toDevice(row deviceModel) store.DeviceCapture {
	return store.DeviceCapture{
		SessionID:      row.SessionID,
		MAC:            row.MAC,
		Name:           row.Name,
		IP:             row.IP,
		Vendor:         row.Vendor,
		DeviceModel:    row.DeviceModel,
		DeviceLocation: row.DeviceLocation,
		Capturing:      row.Capturing,
		Progress:       row.Progress,
		Total:          row.Total,
		StartedAt:      row.StartedAt,
		EndedAt:        row.EndedAt,
		OutputFilename: row.OutputFilename,
		ArtifactURL:    row.ArtifactURL,
	}
}
