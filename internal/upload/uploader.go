package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
	"github.com/brendaschussler/scaniot-capture/internal/retry"
	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// ArtifactFileName builds the capture artifact name shared by the
// supervisor and the uploader. The name carries the device MAC and the
// session id so artifacts stay traceable end to end:
// {logicalName}_{mac}_{sessionID}.pcap
func ArtifactFileName(logicalName, mac, sessionID string) string {
	return fmt.Sprintf("%s_%s_%s.pcap", logicalName, store.NormalizeMAC(mac), sessionID)
}

// RecordStore is the write-back slice of the record store the
// uploader needs.
type RecordStore interface {
	SetDeviceArtifactURL(ctx context.Context, sessionID, mac, url string) error
}

// Config holds uploader settings.
type Config struct {
	// Server is the base URL of the artifact storage service.
	Server string
	// APIKey authenticates upload requests.
	APIKey string
	// MaxFileBytes rejects larger files before any upload attempt.
	MaxFileBytes int64
	// Policy bounds retries on transient failures.
	Policy retry.Policy
}

// uploadResponse is the storage service's reply to a successful put.
type uploadResponse struct {
	URL string `json:"url"`
}

// HTTPUploader transfers finished capture files to the artifact
// storage service and records the durable URL in the record store.
// Transfers run asynchronously; failures after retry exhaustion are
// logged, never surfaced to the capture flow.
type HTTPUploader struct {
	cfg    Config
	client *http.Client
	store  RecordStore
	log    *logger.Logger
	wg     sync.WaitGroup
}

// NewHTTPUploader creates an uploader against the configured storage
// service.
func NewHTTPUploader(cfg Config, recordStore RecordStore) *HTTPUploader {
	return &HTTPUploader{
		cfg:    cfg,
		client: &http.Client{},
		store:  recordStore,
		log:    logger.GetLogger(),
	}
}

// Upload schedules an asynchronous transfer of localPath. The object
// key is pcaps/{logicalName}_{mac}_{sessionID}.pcap.
func (u *HTTPUploader) Upload(ctx context.Context, localPath, sessionID, mac, logicalName string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.upload(ctx, localPath, sessionID, mac, logicalName)
	}()
}

// Wait blocks until all scheduled transfers have finished.
func (u *HTTPUploader) Wait() {
	u.wg.Wait()
}

func (u *HTTPUploader) upload(ctx context.Context, localPath, sessionID, mac, logicalName string) {
	info, err := os.Stat(localPath)
	if err != nil {
		u.log.Error("[upload] Capture file not found: %s", localPath)
		return
	}
	if u.cfg.MaxFileBytes > 0 && info.Size() > u.cfg.MaxFileBytes {
		u.log.Warn("[upload] Capture file %s is %d bytes, over the %d byte limit; not uploading",
			localPath, info.Size(), u.cfg.MaxFileBytes)
		return
	}

	objectKey := "pcaps/" + ArtifactFileName(logicalName, mac, sessionID)

	var remoteURL string
	err = u.cfg.Policy.Do(ctx, func() error {
		url, err := u.put(ctx, localPath, objectKey)
		if err != nil {
			return err
		}
		remoteURL = url
		return nil
	})
	if err != nil {
		// Terminal but silent: the capture itself already succeeded.
		u.log.Error("[upload] Giving up on %s: %v", objectKey, err)
		return
	}

	u.log.Info("[upload] Uploaded %s to %s", localPath, remoteURL)

	if err := u.store.SetDeviceArtifactURL(ctx, sessionID, mac, remoteURL); err != nil {
		u.log.Error("[upload] Failed to record artifact URL for %s/%s: %v", sessionID, mac, err)
	}
}

// put performs one multipart upload attempt, streaming the file.
func (u *HTTPUploader) put(ctx context.Context, localPath, objectKey string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open capture file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		if err := writer.WriteField("key", objectKey); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := writer.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Server+"/v1/artifacts", pr)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if u.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload failed: %s (%s)", resp.Status, string(body))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("upload response missing artifact url")
	}
	return parsed.URL, nil
}
