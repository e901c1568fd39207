package conf

import "testing"

func TestResolveURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"example.com:8080", "ws://example.com:8080", false},
		{"http://example.com/ssh", "ws://example.com/ssh", false},
		{"https://example.com", "wss://example.com", false},
		{"wss://example.com", "wss://example.com", false},
		{"ftp://example.com", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		u, err := ResolveURL(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ResolveURL(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ResolveURL(%q) unexpected error: %v", tt.in, err)
		}
		if u.String() != tt.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tt.in, u.String(), tt.want)
		}
	}
}

func TestIsWebSocketURL(t *testing.T) {
	if IsWebSocketURL("example.com") {
		t.Error("plain host detected as websocket")
	}
	if !IsWebSocketURL("wss://example.com/ssh") {
		t.Error("wss URL not detected")
	}
}
