package transport

import (
	"os"
	"testing"
)

func TestConfigFromEnv_DefaultsPort(t *testing.T) {
	os.Unsetenv("ACTIVEMQ_HOST")
	os.Unsetenv("ACTIVEMQ_USE_SSL")

	cfg := ConfigFromEnv()
	if cfg.Port != 61612 {
		t.Fatalf("expected default port 61612, got %d", cfg.Port)
	}
	if cfg.UseSSL {
		t.Fatalf("expected UseSSL false by default")
	}
}

func TestConfigFromEnv_ParsesSSLFlag(t *testing.T) {
	os.Setenv("ACTIVEMQ_USE_SSL", "true")
	defer os.Unsetenv("ACTIVEMQ_USE_SSL")

	cfg := ConfigFromEnv()
	if !cfg.UseSSL {
		t.Fatalf("expected UseSSL true when ACTIVEMQ_USE_SSL=true")
	}
}

func TestIsControlDestination(t *testing.T) {
	cases := map[string]bool{
		"/queue/workflow_control":    true,
		"/queue/agent_control.alice": true,
		"/topic/epictopic":           false,
		"/queue/panda.results.fastprocessing": false,
	}
	for dest, want := range cases {
		if got := isControlDestination(dest); got != want {
			t.Errorf("isControlDestination(%q) = %v, want %v", dest, got, want)
		}
	}
}
