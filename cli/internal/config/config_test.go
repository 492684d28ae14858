package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "default", cfg.CurrentProfile)
	assert.NotNil(t, cfg.Profiles)
	assert.Empty(t, cfg.Profiles)
	require.NotNil(t, cfg.Defaults)
	assert.Equal(t, "http://localhost:8090", cfg.Defaults.GatewayURL)
	assert.Equal(t, "http://localhost:8091", cfg.Defaults.WorkerURL)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.CurrentProfile)
	assert.Equal(t, "http://localhost:8090", cfg.Defaults.GatewayURL)
}

func TestLoad_WithConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`current_profile: production
profiles:
  production:
    gateway_url: https://ws.relay.example.com
    worker_url: https://worker.relay.example.com
    internal_key: key-123
    environment_id: env-prod
`), 0600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.CurrentProfile)
	require.Contains(t, cfg.Profiles, "production")
	assert.Equal(t, "https://ws.relay.example.com", cfg.Profiles["production"].GatewayURL)
	assert.Equal(t, "key-123", cfg.Profiles["production"].InternalKey)
	assert.Equal(t, "http://localhost:8091", cfg.Defaults.WorkerURL)
}

func TestLoad_WithEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAYCTL_GATEWAY_URL", "http://env-gateway:9000")
	t.Setenv("RELAYCTL_WORKER_URL", "http://env-worker:9001")
	t.Setenv("RELAYCTL_INTERNAL_KEY", "env-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://env-gateway:9000", cfg.Defaults.GatewayURL)
	assert.Equal(t, "http://env-worker:9001", cfg.Defaults.WorkerURL)
	assert.Equal(t, "env-key", cfg.ProfileOrDefaults("").InternalKey)
}

func TestSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".relayctl", "config.yaml")

	cfg := Default()
	cfg.path = configPath
	cfg.CurrentProfile = "test-profile"
	require.NoError(t, cfg.Save())

	assert.FileExists(t, configPath)

	dirInfo, err := os.Stat(filepath.Dir(configPath))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	fileInfo, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm())

	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "test-profile", loaded.CurrentProfile)
}

func TestSaveProfile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.path = configPath

	require.NoError(t, cfg.SaveProfile("staging", &Profile{
		GatewayURL: "https://ws.staging.example.com", InternalKey: "k",
	}))
	require.NoError(t, cfg.SaveProfile("prod", &Profile{WorkerURL: "https://worker.example.com"}))

	assert.Contains(t, cfg.Profiles, "staging")
	assert.Equal(t, "prod", cfg.CurrentProfile)

	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Contains(t, loaded.Profiles, "staging")
	assert.Equal(t, "prod", loaded.CurrentProfile)
}

func TestGetProfile(t *testing.T) {
	cfg := Default()
	cfg.Profiles["test"] = &Profile{WorkerURL: "https://worker.test"}
	cfg.CurrentProfile = "test"

	tests := []struct {
		name        string
		profileName string
		wantErr     bool
		wantWorker  string
	}{
		{name: "by name", profileName: "test", wantWorker: "https://worker.test"},
		{name: "current with empty name", profileName: "", wantWorker: "https://worker.test"},
		{name: "missing", profileName: "nonexistent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile, err := cfg.GetProfile(tt.profileName)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, profile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWorker, profile.WorkerURL)
			// Unset URLs come from the defaults.
			assert.Equal(t, "http://localhost:8090", profile.GatewayURL)
		})
	}
}

func TestRemoveProfile(t *testing.T) {
	cfg := Default()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Profiles["old"] = &Profile{}
	cfg.CurrentProfile = "old"

	require.NoError(t, cfg.RemoveProfile("old"))
	assert.Empty(t, cfg.CurrentProfile)
	assert.Error(t, cfg.RemoveProfile("old"))
}
