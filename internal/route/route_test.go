package route

import "testing"

func TestClassify(t *testing.T) {
	c := NewClassifier(Rules{
		APIPrefix:    "/api/v1",
		StreamPrefix: "/live",
		NotifyPath:   "/ws",
	})

	tests := []struct {
		path string
		want Kind
	}{
		{"/live/front_door", ProxyWS},
		{"/live/front_door/stream", ProxyWS},
		{"/live", ProxyWS},
		{"/ws", ProxyWS},
		{"/ws/notifications", ProxyWS},
		{"/api/v1/cameras", ProxyHTTP},
		{"/api/v1/cameras/front_door", ProxyHTTP},
		{"/api/v1/events", ProxyHTTP},
		{"/api/v1", ProxyHTTP},
		{"/", Passthrough},
		{"/index.html", Passthrough},
		{"/assets/app.js", Passthrough},
		{"/cameras", Passthrough},
		{"/liveness", Passthrough},
		{"/wsx", Passthrough},
		{"/api/v2/cameras", Passthrough},
		{"/apix/v1/cameras", Passthrough},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := c.Classify(tt.path); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestClassify_StreamUnderAPIPrefix(t *testing.T) {
	// A stream prefix nested under the API prefix must still win: the
	// upgrade decision is path-only and happens before HTTP routing.
	c := NewClassifier(Rules{
		APIPrefix:    "/api/v1",
		StreamPrefix: "/api/v1/cameras/live",
		NotifyPath:   "/ws",
	})

	if got := c.Classify("/api/v1/cameras/live/front_door"); got != ProxyWS {
		t.Errorf("Classify() = %v, want %v", got, ProxyWS)
	}
	if got := c.Classify("/api/v1/cameras"); got != ProxyHTTP {
		t.Errorf("Classify() = %v, want %v", got, ProxyHTTP)
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Passthrough, "passthrough"},
		{ProxyHTTP, "proxy_http"},
		{ProxyWS, "proxy_ws"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
