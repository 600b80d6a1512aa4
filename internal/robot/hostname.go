package robot

import "strings"

// RobotID returns the robot identifier used by the cloud store, which is the
// first DNS label of the hostname.
//
//	RobotID("garage-main.abc123.viam.cloud") // "garage-main"
func RobotID(hostname string) string {
	host := strings.TrimSpace(hostname)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// DisplayName returns a human-friendly robot name.
//
//	DisplayName("garage-main.abc123.viam.cloud") // "garage"
func DisplayName(hostname string) string {
	name := strings.TrimSpace(hostname)
	name = strings.TrimSuffix(name, ".")
	if strings.HasSuffix(name, ".viam.cloud") {
		name = strings.TrimSuffix(name, ".viam.cloud")
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
	}
	return strings.TrimSuffix(name, "-main")
}
