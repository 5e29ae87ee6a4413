package requestlog

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/apitally/apitally-go/types"
)

const maskPlaceholder = "******"

var builtInExcludePaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^/health$`),
	regexp.MustCompile(`(?i)^/healthz$`),
	regexp.MustCompile(`(?i)^/health-checks?$`),
	regexp.MustCompile(`(?i)^/heart-beats?$`),
	regexp.MustCompile(`(?i)^/ping$`),
	regexp.MustCompile(`(?i)^/ready$`),
	regexp.MustCompile(`(?i)^/live$`),
}

var builtInExcludeUserAgents = []string{
	"health-check",
	"googlehc",
	"kube-probe",
	"microsoft-azure-application-lb",
}

var builtInMaskNamePatterns = []string{
	"auth", "api-key", "secret", "token", "password", "pwd", "cookie",
}

var builtInMaskBodyFields = []string{
	"password", "token", "secret", "auth", "card-number", "ccv", "ssn",
}

func matchesAny(patterns []string, name string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func isExcludedPath(path string) bool {
	for _, re := range builtInExcludePaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func isExcludedUserAgent(userAgent string) bool {
	return matchesAny(builtInExcludeUserAgents, userAgent)
}

// maskName reports whether a query param or header name should be
// masked under either the built-in list or the config's custom list.
func (cfg *Config) maskName(name string) bool {
	return matchesAny(builtInMaskNamePatterns, name) || matchesAny(cfg.MaskHeaders, name) || matchesAny(cfg.MaskQueryParams, name)
}

// maskBodyFieldName reports whether a JSON body field key should be
// masked under either the built-in list or the config's custom list.
func (cfg *Config) maskBodyFieldName(name string) bool {
	return matchesAny(builtInMaskBodyFields, name) || matchesAny(cfg.MaskBodyFields, name)
}

// maskHeaderPairs drops headers entirely when keep is false; otherwise
// masks the value of any header whose name matches a mask pattern.
func (cfg *Config) maskHeaderPairs(headers []types.Header, keep bool) []types.Header {
	if !keep {
		return nil
	}
	out := make([]types.Header, 0, len(headers))
	for _, h := range headers {
		if cfg.maskName(h.Name) {
			out = append(out, types.Header{Name: h.Name, Value: maskPlaceholder})
			continue
		}
		out = append(out, h)
	}
	return out
}

// maskQueryString masks the values of query params matching a mask
// pattern, rewriting matched pairs in place so the placeholder
// survives literally (e.g. "token=******"). url.Values.Encode() would
// percent-encode the placeholder's '*' as %2A, which the Hub does not
// expect, so unmatched pairs are left exactly as they appeared on the
// wire rather than round-tripped through Values.Encode().
func (cfg *Config) maskQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		if pair == "" {
			continue
		}
		name := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			name = pair[:idx]
		}
		decodedName, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		if cfg.maskName(decodedName) {
			pairs[i] = name + "=" + maskPlaceholder
		}
	}
	return strings.Join(pairs, "&")
}

// maskJSONBody parses body as JSON and recursively replaces any
// object field whose key matches a mask-body pattern with the
// placeholder, then re-serializes. Non-JSON or non-UTF8 bodies are
// returned unchanged, per the fall-through-on-parse-failure policy.
func (cfg *Config) maskJSONBody(body []byte) []byte {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	masked := cfg.maskJSONValue(parsed)
	out, err := json.Marshal(masked)
	if err != nil {
		return body
	}
	return out
}

func (cfg *Config) maskJSONValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if cfg.maskBodyFieldName(k) {
				out[k] = maskPlaceholder
				continue
			}
			out[k] = cfg.maskJSONValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = cfg.maskJSONValue(child)
		}
		return out
	default:
		return val
	}
}

// isLoggableContentType reports whether a Content-Type header value
// is one of the textual/JSON variants the logger will ever capture a
// body for.
func isLoggableContentType(contentType string) bool {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	switch ct {
	case "application/json", "application/x-ndjson", "application/ld+json",
		"application/problem+json", "application/vnd.api+json",
		"text/plain", "text/html":
		return true
	default:
		return false
	}
}
