package apitally

import "github.com/apitally/apitally-go/types"

// SyncPayload is the per-tick drain of every counter and registry,
// POSTed to the Hub's sync endpoint.
type SyncPayload struct {
	Timestamp        float64                 `json:"timestamp"`
	InstanceUUID     string                  `json:"instance_uuid"`
	MessageUUID      string                  `json:"message_uuid"`
	Requests         []types.RequestsItem    `json:"requests"`
	ValidationErrors []types.ValidationError `json:"validation_errors"`
	ServerErrors     []types.ServerError     `json:"server_errors"`
	Consumers        []types.Consumer        `json:"consumers"`
}

// StartupPayload is published once, eagerly, and retried until the
// Hub acknowledges it with a 2xx.
type StartupPayload struct {
	InstanceUUID string            `json:"instance_uuid"`
	MessageUUID  string            `json:"message_uuid"`
	Paths        []PathInfo        `json:"paths"`
	Versions     map[string]string `json:"versions"`
	Client       string            `json:"client"`
}

// PathInfo describes one route the host application declares at
// startup, for the Hub's route inventory.
type PathInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}
