package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("DU_BUNDLE_SOURCE", "")
	t.Setenv("DU_AGENT_DIR", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("MODEL_TIMEOUT_MS", "not-a-number")
	t.Setenv("SLOT_MODEL_URL", "http://slot:8080/")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, BundleSourceDir, cfg.BundleSource)
	assert.Equal(t, "./agents", cfg.AgentDir)
	assert.Equal(t, 1500*time.Millisecond, cfg.ModelTimeout)
	assert.Equal(t, "http://slot:8080", cfg.SlotModelURL)
	assert.Equal(t, 5*time.Minute, cfg.AgentTTL)
}

func TestLoadServerConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		err  string
	}{
		{"db without dsn", map[string]string{"DU_BUNDLE_SOURCE": "db", "DB_DSN": ""}, "DB_DSN is required"},
		{"unknown source", map[string]string{"DU_BUNDLE_SOURCE": "s3"}, "unsupported DU_BUNDLE_SOURCE"},
		{"unknown llm", map[string]string{"DU_BUNDLE_SOURCE": "dir", "LLM_PROVIDER": "gemini"}, "unsupported LLM_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadServerConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}
