package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/brendaschussler/scaniot-capture/internal/version"
)

// maxHostIPs caps the number of addresses reported. Hosts with many
// NICs, VPNs, or container networks would otherwise bloat the status
// payload.
const maxHostIPs = 10

// HostInfo describes the host running the capture daemon.
type HostInfo struct {
	// HostID is stable across restarts for the same hardware.
	HostID   string   `json:"host_id"`
	Hostname string   `json:"hostname"`
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
	Version  string   `json:"version"`
	IPs      []string `json:"ips,omitempty"`
}

// Collect gathers host identity for the status endpoint. When a
// capture interface is configured its address is reported first.
func Collect(captureInterface string) HostInfo {
	hostname, _ := os.Hostname()
	return HostInfo{
		HostID:   hostID(hostname),
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  version.Version,
		IPs:      hostIPAddresses(captureInterface),
	}
}

// hostID derives a stable identifier from the hostname and the MAC
// addresses of physical interfaces. Falls back to a random id when
// neither is available.
func hostID(hostname string) string {
	var macs []string
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			macs = append(macs, iface.HardwareAddr.String())
		}
	}
	if hostname == "" && len(macs) == 0 {
		return uuid.NewString()
	}
	sort.Strings(macs)
	sum := sha256.Sum256([]byte(hostname + "|" + strings.Join(macs, ",")))
	return hex.EncodeToString(sum[:])[:12]
}

// hostIPAddresses returns private IPv4 addresses of up, non-loopback
// interfaces, capped at maxHostIPs. A configured capture interface
// short-circuits to just its address.
func hostIPAddresses(captureInterface string) []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	if captureInterface != "" && captureInterface != "any" {
		for _, iface := range interfaces {
			if iface.Name != captureInterface || iface.Flags&net.FlagUp == 0 {
				continue
			}
			addrs, _ := iface.Addrs()
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok {
					if ip := ipnet.IP.To4(); ip != nil && ip.IsPrivate() {
						return []string{ip.String()}
					}
				}
			}
		}
	}

	var ips []string
	seen := make(map[string]bool)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || !ip.IsPrivate() || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			ips = append(ips, ip.String())
			if len(ips) >= maxHostIPs {
				return ips
			}
		}
	}
	return ips
}
