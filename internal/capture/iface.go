package capture

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/brendaschussler/scaniot-capture/internal/shell"
)

// hotspotDefaultPrefix is the fallback /24 when no active IPv4 is
// found, matching the common hotspot addressing scheme.
const hotspotDefaultPrefix = "192.168.43."

var ifaceNameRegexp = regexp.MustCompile(`(?m)^\d+:\s+(\S+)`)

// DetectInterface resolves the capture interface from the /24 prefix
// of the host's active IPv4 address, via `ip -o addr show` in the
// elevated environment.
func DetectInterface(ctx context.Context, runner shell.Runner) (string, error) {
	prefix := networkPrefix(activeIPv4())
	out, err := runner.Run(ctx, fmt.Sprintf("ip -o addr show | grep %s", prefix))
	if err != nil {
		return "", fmt.Errorf("failed to resolve capture interface for %s*: %w", prefix, err)
	}
	m := ifaceNameRegexp.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no interface carries an address in %s*", prefix)
	}
	return m[1], nil
}

// activeIPv4 returns the first non-loopback IPv4 address of an up
// interface, or empty when none exists.
func activeIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, intf := range ifaces {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return ""
}

// networkPrefix reduces an IPv4 address to its /24 prefix.
func networkPrefix(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return hotspotDefaultPrefix
	}
	return fmt.Sprintf("%s.%s.%s.", parts[0], parts[1], parts[2])
}
