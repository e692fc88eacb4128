package main

import "testing"

func TestProbeURL(t *testing.T) {
	tests := []struct {
		name, url, addr, want string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port only", "", ":9090", "http://localhost:9090/healthz"},
		{"host and port", "", "127.0.0.1:7000", "http://127.0.0.1:7000/healthz"},
		{"explicit url", "http://notifier:8080/healthz", ":1", "http://notifier:8080/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := probeURL(); got != tt.want {
				t.Errorf("probeURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
