package common

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"
)

// GatewayFingerprint produces a stable identifier for this gateway host from
// its hostname and MAC addresses. It is shown on the status page and in the
// status API so operators can tell gateways apart.
func GatewayFingerprint() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	var components []string
	components = append(components, strings.ToLower(hostname))
	for _, iface := range interfaces {
		if (iface.Flags&net.FlagLoopback) != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		components = append(components, strings.ToLower(iface.HardwareAddr.String()))
	}
	if len(components) == 1 {
		// No network interfaces were added; include OS as a weak fallback.
		components = append(components, strings.ToLower(runtime.GOOS))
	}

	hash := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(hash[:]), nil
}

// ShortID trims a hex identifier for display.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
