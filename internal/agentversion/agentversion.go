// Package agentversion builds the "versions" map the agent reports in
// its startup payload: the agent's own version, the Go runtime
// version, and (if the host supplied one) the host application's
// version.
package agentversion

import "runtime"

// AgentVersion is the agent's own semantic version. Set at build time
// via -ldflags, defaulting to "dev" for local builds.
var AgentVersion = "dev"

// Versions returns the name->version map for the StartupPayload,
// mirroring the JS client's {"python": ..., "starlette": ...} shape
// with this runtime's equivalents. appVersion is included under "app"
// only when non-empty.
func Versions(appVersion string) map[string]string {
	v := map[string]string{
		"go":          runtime.Version()[2:],
		"apitally-go": AgentVersion,
		"platform":    runtime.GOOS + "/" + runtime.GOARCH,
	}
	if appVersion != "" {
		v["app"] = appVersion
	}
	return v
}
