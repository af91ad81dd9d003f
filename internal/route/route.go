// Package route classifies request paths into their handling kind.
//
// Classification is a pure function over a rule set that is fixed at process
// start. It must be decidable from the request path alone, because for
// WebSocket upgrades the decision is made before any framework-level routing
// and determines whether the raw connection is handed off.
package route

import "strings"

// Kind is the handling kind assigned to a request path.
type Kind int

const (
	// Passthrough requests are served by the web serving layer.
	Passthrough Kind = iota
	// ProxyHTTP requests are forwarded to the backend as plain REST calls.
	ProxyHTTP
	// ProxyWS requests are WebSocket upgrades tunneled raw to the backend.
	ProxyWS
)

func (k Kind) String() string {
	switch k {
	case ProxyHTTP:
		return "proxy_http"
	case ProxyWS:
		return "proxy_ws"
	default:
		return "passthrough"
	}
}

// Rules is the static route rule set, loaded once from configuration and
// immutable thereafter.
type Rules struct {
	// APIPrefix roots the backend's REST surface, e.g. "/api/v1".
	APIPrefix string
	// StreamPrefix roots per-camera live stream endpoints, e.g. "/live".
	StreamPrefix string
	// NotifyPath is the real-time notification endpoint, matched exactly
	// and on sub-paths, e.g. "/ws".
	NotifyPath string
}

// Classifier maps request paths to handling kinds.
type Classifier struct {
	rules Rules
}

// NewClassifier creates a Classifier over a fixed rule set.
func NewClassifier(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the handling kind for a request path. The stream and
// notification checks run first so a stream endpoint nested under the API
// prefix still tunnels.
func (c *Classifier) Classify(path string) Kind {
	if underPrefix(path, c.rules.StreamPrefix) || underPrefix(path, c.rules.NotifyPath) {
		return ProxyWS
	}
	if underPrefix(path, c.rules.APIPrefix) {
		return ProxyHTTP
	}
	return Passthrough
}

// underPrefix reports whether path equals prefix or lies beneath it on a
// segment boundary, so "/live" matches "/live/front_door" but not "/liveness".
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
