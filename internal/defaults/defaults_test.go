package defaults

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nugget/matomo-bridge/internal/config"
)

func TestConfigYAMLIsValid(t *testing.T) {
	var cfg config.Config
	if err := yaml.Unmarshal(ConfigYAML, &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
	if !cfg.MQTT.Configured() {
		t.Error("example config should show an MQTT broker")
	}
	if cfg.Matomo.PollIntervalSec != 300 {
		t.Errorf("poll_interval_sec = %d, want 300", cfg.Matomo.PollIntervalSec)
	}
}
