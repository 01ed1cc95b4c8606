// Package version exposes the build version and a per-process instance id.
package version

import "github.com/google/uuid"

// Version is the current release version.
const Version = "0.1.0"

// InstanceID is a random id generated once per process, used to tell apart
// concurrently-running instances of the pipeline in logs and health output.
var InstanceID = uuid.NewString()

// BuildVersion returns the version string for display.
func BuildVersion() string {
	return "ha-telemetry-ingestor version " + Version
}
