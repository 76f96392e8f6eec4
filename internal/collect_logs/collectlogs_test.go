package collect_logs

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipContents(t *testing.T, zipName string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(zipName)
	require.NoError(t, err)
	defer r.Close()

	files := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = string(data)
	}
	return files
}

func TestCollectLogs_CreatesZipWithExpectedFiles(t *testing.T) {
	dir := t.TempDir()

	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0755))
	logFile := filepath.Join(logDir, "scaniot.log")
	require.NoError(t, os.WriteFile(logFile, []byte("logdata"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "scaniot-2026-08-31.log.gz"), []byte("rotated"), 0644))

	capDir := filepath.Join(dir, "captures")
	require.NoError(t, os.Mkdir(capDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(capDir, "office_aa:bb:cc:dd:ee:ff_s1.pcap"), []byte("pcapdata"), 0644))

	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging":{}}`), 0644))

	zipName := filepath.Join(dir, "diag.zip")
	require.NoError(t, CollectLogs(zipName, Bundle{
		LogFile:    logFile,
		CaptureDir: capDir,
		ConfigPath: cfgPath,
	}))

	files := zipContents(t, zipName)
	assert.Equal(t, "logdata", files["logs/scaniot.log"])
	assert.Contains(t, files, "logs/scaniot-2026-08-31.log.gz")
	assert.Contains(t, files, "config.json")
	assert.Contains(t, files, "version.txt")
	assert.Contains(t, files, "system-info.txt")

	// Pcaps are inventoried, never packaged.
	assert.Contains(t, files["captures.txt"], "office_aa:bb:cc:dd:ee:ff_s1.pcap")
	for name := range files {
		assert.NotContains(t, name, ".pcap")
	}
}

func TestCollectLogs_MissingPiecesAreHandled(t *testing.T) {
	dir := t.TempDir()
	zipName := filepath.Join(dir, "diag.zip")

	require.NoError(t, CollectLogs(zipName, Bundle{
		LogFile:    filepath.Join(dir, "nope", "scaniot.log"),
		CaptureDir: filepath.Join(dir, "nope-captures"),
		ConfigPath: filepath.Join(dir, "nope.json"),
	}))

	files := zipContents(t, zipName)
	assert.Contains(t, files, "version.txt")
	assert.Contains(t, files, "system-info.txt")
}
