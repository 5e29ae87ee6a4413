package apitally

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/apitally/apitally-go/requestlog"
)

var clientIDPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
var envPattern = regexp.MustCompile(`^[\w-]{1,32}$`)

// Config configures a Client. ClientID is required; ClientID and Env
// are validated in NewClient; everything else has a usable zero value.
type Config struct {
	ClientID string

	// Env defaults to "dev" when left blank.
	Env string

	// HubBaseURL overrides the Hub base URL; if empty, the
	// APITALLY_HUB_BASE_URL environment variable is consulted, then
	// the public Hub default.
	HubBaseURL string

	// Logger receives structured diagnostics; nil keeps the default
	// no-op logger.
	Logger *zap.SugaredLogger

	// AppVersion is reported in the startup payload's versions map.
	AppVersion string

	RequestLogging requestlog.Config
}

// normalizeEnv trims, lowercases, and replaces underscores with
// hyphens, per §4.1's env normalization rule.
func normalizeEnv(env string) string {
	env = strings.TrimSpace(env)
	env = strings.ToLower(env)
	env = strings.ReplaceAll(env, "_", "-")
	return env
}

func validateClientID(clientID string) bool {
	return clientIDPattern.MatchString(clientID)
}

func validateEnv(env string) bool {
	return envPattern.MatchString(env)
}
