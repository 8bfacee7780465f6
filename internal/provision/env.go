package provision

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/org/fleetrotate/pkg/models"
)

// Env variable names devices expect in their bootstrap file.
const (
	EnvDeviceID        = "FLEET_DEVICE_ID"
	EnvClientReference = "FLEET_CLIENT_REFERENCE"
	EnvClientSecret    = "FLEET_CLIENT_SECRET"
	EnvAPIToken        = "FLEET_API_TOKEN"
)

// RenderEnvPayload renders the bootstrap bundle as a .env file a device can
// write to its credential store on first boot.
func RenderEnvPayload(b *models.ProvisionedDevice) string {
	return renderDotEnv(map[string]string{
		EnvDeviceID:        b.Device.ID.String(),
		EnvClientReference: b.Device.ClientReference,
		EnvClientSecret:    b.ClientSecret,
		EnvAPIToken:        b.APIToken,
	})
}

func renderDotEnv(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := vars[k]
		if needsQuoting(v) {
			fmt.Fprintf(&buf, "%s=%q\n", k, v)
		} else {
			fmt.Fprintf(&buf, "%s=%s\n", k, v)
		}
	}
	return buf.String()
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '\'' || c == '\\' || c == '#' {
			return true
		}
	}
	return false
}
