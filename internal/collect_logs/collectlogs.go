package collect_logs

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/brendaschussler/scaniot-capture/internal/version"
)

// Bundle names the daemon files worth packaging for support.
type Bundle struct {
	// LogFile is the daemon log path; its directory is searched for
	// rotated siblings.
	LogFile string
	// CaptureDir is the capture output directory. Only an inventory is
	// packaged, never the pcap files themselves.
	CaptureDir string
	// ConfigPath is the active config file, if any.
	ConfigPath string
}

// CollectLogs creates a zip archive with logs, config, a capture
// inventory, version, and system info for diagnostics.
func CollectLogs(zipName string, b Bundle) error {
	zipFile, err := os.Create(zipName)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer zipWriter.Close()

	if b.LogFile != "" {
		logDir := filepath.Dir(b.LogFile)
		base := filepath.Base(b.LogFile)
		entries, err := os.ReadDir(logDir)
		if err == nil {
			prefix := strings.TrimSuffix(base, filepath.Ext(base))
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
					continue
				}
				path := filepath.Join(logDir, entry.Name())
				_ = addFileToZip(zipWriter, filepath.Join("logs", entry.Name()), path)
			}
		}
	}

	if b.ConfigPath != "" {
		if _, err := os.Stat(b.ConfigPath); err == nil {
			_ = addFileToZip(zipWriter, "config.json", b.ConfigPath)
		}
	}

	if b.CaptureDir != "" {
		_ = addStringToZip(zipWriter, "captures.txt", captureInventory(b.CaptureDir))
	}

	_ = addStringToZip(zipWriter, "version.txt", version.Version+"\n")
	_ = addStringToZip(zipWriter, "system-info.txt", getSystemInfo())

	return nil
}

// captureInventory lists capture files with sizes instead of packaging
// the pcaps, which can run to hundreds of megabytes.
func captureInventory(dir string) string {
	var b strings.Builder
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		fmt.Fprintf(&b, "%s\t%d bytes\t%s\n", rel, info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
		return nil
	})
	if err != nil {
		fmt.Fprintf(&b, "error walking %s: %v\n", dir, err)
	}
	if b.Len() == 0 {
		return "no capture files\n"
	}
	return b.String()
}

func addFileToZip(zipWriter *zip.Writer, name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

func addStringToZip(zipWriter *zip.Writer, filename, content string) error {
	w, err := zipWriter.Create(filename)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

func getSystemInfo() string {
	var b strings.Builder
	b.WriteString("OS: ")
	b.WriteString(runtime.GOOS)
	b.WriteString("\nArch: ")
	b.WriteString(runtime.GOARCH)
	b.WriteString("\nGo version: ")
	b.WriteString(runtime.Version())
	b.WriteString("\n")
	if hn, err := os.Hostname(); err == nil {
		b.WriteString("Hostname: ")
		b.WriteString(hn)
		b.WriteString("\n")
	}

	if f, err := os.Open("/etc/os-release"); err == nil {
		defer f.Close()
		b.WriteString("/etc/os-release:\n")
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
				b.WriteString("  " + line + "\n")
			}
		}
	}
	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		b.WriteString("Kernel: " + strings.TrimSpace(string(out)) + "\n")
	}
	// Capture tooling versions help debug elevated-environment issues.
	if out, err := exec.Command("tcpdump", "--version").CombinedOutput(); err == nil {
		b.WriteString("tcpdump: " + strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]) + "\n")
	}
	return b.String()
}
