package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kbnet/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLeaf() *Config {
	cfg := Default(types.NodeTypeLeaf)
	cfg.ParentHubURL = "http://hub.example:3000"
	cfg.ScientificResearch = "yes"
	cfg.ConfirmShare = "yes"
	cfg.KeyPath = "/tmp/leaf.key"
	return cfg
}

func TestDefault(t *testing.T) {
	hub := Default(types.NodeTypeHub)
	assert.Equal(t, DefaultHubListenAddress, hub.ListenAddress)
	assert.Equal(t, "http://localhost:3000", hub.ListenURL)
	assert.Equal(t, 1000, hub.Limits.MaxLeaves)
	assert.Equal(t, 10, hub.Limits.MaxChildHubs)
	assert.Equal(t, 10, hub.Limits.MaxInternalFinds)
	assert.Equal(t, 4*time.Second, hub.Timing.ReconnectInitial.Std())
	assert.Equal(t, 60*time.Second, hub.Timing.ReconnectMax.Std())
	assert.Equal(t, 5*time.Second, hub.Timing.NodeDataInterval.Std())
	assert.Equal(t, DefaultRedirectPrefix, hub.RedirectPrefix)
	assert.NoError(t, hub.Validate())

	leaf := Default(types.NodeTypeLeaf)
	assert.Equal(t, "http://localhost:3001", leaf.ListenURL)
	assert.Error(t, leaf.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid leaf", func(c *Config) {}, ""},
		{"bad node type", func(c *Config) { c.NodeType = "relay" }, "node_type"},
		{"leaf without parent", func(c *Config) { c.ParentHubURL = "" }, "parent_hub_url is required"},
		{"leaf without share dir", func(c *Config) { c.ShareDir = "" }, "share_dir"},
		{"relative parent url", func(c *Config) { c.ParentHubURL = "hub.example:3000" }, "parent_hub_url"},
		{"missing consent", func(c *Config) { c.ScientificResearch = "" }, "scientific_research"},
		{"missing share confirmation", func(c *Config) { c.ConfirmShare = "no" }, "confirm_share"},
		{"bad listen url", func(c *Config) { c.ListenURL = "ftp://x" }, "listen_url"},
		{"bad redirect prefix", func(c *Config) { c.RedirectPrefix = "share" }, "redirect_prefix"},
		{"negative limit", func(c *Config) { c.Limits.MaxLeaves = -1 }, "limits"},
		{"reconnect window", func(c *Config) { c.Timing.ReconnectMax = Duration(time.Second) }, "reconnect_max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validLeaf()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := validLeaf()
	cfg.Name = "lab share"
	cfg.Timing.FindTimeout = Duration(3 * time.Second)
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"node_type": "hub",
		"listen_address": "0.0.0.0:4000",
		"scientific_research": "yes",
		"limits": {"max_connected_child_hubs": 3},
		"timing": {"reconnect_initial": 2, "reconnect_max": "30s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://0.0.0.0:4000", cfg.ListenURL)
	assert.Equal(t, 3, cfg.Limits.MaxChildHubs)
	assert.Equal(t, 1000, cfg.Limits.MaxLeaves)
	assert.Equal(t, 2*time.Second, cfg.Timing.ReconnectInitial.Std())
	assert.Equal(t, 30*time.Second, cfg.Timing.ReconnectMax.Std())
	assert.Equal(t, filepath.Join(dir, DefaultKeyFile), cfg.KeyPath)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timing": {"reconnect_max": "soon"}}`), 0600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KBNET_NODE_TYPE", "leaf")
	t.Setenv("KBNET_NAME", "env leaf")
	t.Setenv("KBNET_LISTEN_ADDRESS", ":5000")
	t.Setenv("KBNET_PARENT_HUB_URL", "http://hub:3000")
	t.Setenv("KBNET_SCIENTIFIC_RESEARCH", "yes")
	t.Setenv("KBNET_CONFIRM_SHARE", "yes")
	t.Setenv("KBNET_MAX_CONNECTED_TERMINALS", "25")
	t.Setenv("KBNET_CONFIG_DIR", t.TempDir())

	cfg := LoadFromEnv()
	assert.Equal(t, types.NodeTypeLeaf, cfg.NodeType)
	assert.Equal(t, "env leaf", cfg.Name)
	assert.Equal(t, ":5000", cfg.ListenAddress)
	assert.Equal(t, "http://localhost:5000", cfg.ListenURL)
	assert.Equal(t, "http://hub:3000", cfg.ParentHubURL)
	assert.Equal(t, 25, cfg.Limits.MaxLeaves)
	assert.NoError(t, cfg.Validate())
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`0.25`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestRegistrationInfo(t *testing.T) {
	cfg := validLeaf()
	cfg.ListenURL = "http://leaf.example:3001/"
	info := cfg.RegistrationInfo()
	assert.Equal(t, types.NodeTypeLeaf, info.NodeType)
	assert.Equal(t, "http://leaf.example:3001", info.ListenURL)
	assert.NoError(t, info.ValidateConsent())
}
