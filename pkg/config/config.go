package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kbnet/pkg/types"
)

const (
	DefaultHubListenAddress  = ":3000"
	DefaultLeafListenAddress = ":3001"
	DefaultRedirectPrefix    = "/share"
	DefaultKeyFile           = "node.key"
)

// Duration is a time.Duration that reads from JSON as either a Go duration
// string ("4s") or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Limits struct {
	MaxLeaves        int `json:"max_connected_terminals"`
	MaxChildHubs     int `json:"max_connected_child_hubs"`
	MaxFilesPerLeaf  int `json:"max_files_per_leaf"`
	MaxInternalFinds int `json:"max_internal_finds"`
	MaxParallelFinds int `json:"max_parallel_finds"`
}

type Timing struct {
	ReconnectInitial Duration `json:"reconnect_initial"`
	ReconnectMax     Duration `json:"reconnect_max"`
	RegisterTimeout  Duration `json:"register_timeout"`
	NodeDataInterval Duration `json:"node_data_interval"`
	FindTimeout      Duration `json:"find_timeout"`
	ScanInterval     Duration `json:"scan_interval"`
}

type Config struct {
	NodeType           types.NodeType `json:"node_type"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Owner              string         `json:"owner,omitempty"`
	OwnerEmail         string         `json:"owner_email,omitempty"`
	ScientificResearch string         `json:"scientific_research"`
	ConfirmShare       string         `json:"confirm_share,omitempty"`

	ListenAddress  string `json:"listen_address"`
	ListenURL      string `json:"listen_url"`
	ParentHubURL   string `json:"parent_hub_url,omitempty"`
	ShareDir       string `json:"share_dir,omitempty"`
	KeyPath        string `json:"key_path"`
	HealthAddress  string `json:"health_address,omitempty"`
	RedirectPrefix string `json:"redirect_prefix,omitempty"`

	Limits Limits `json:"limits"`
	Timing Timing `json:"timing"`
}

// Default returns the configuration a freshly initialized node of the given
// type starts from.
func Default(nodeType types.NodeType) *Config {
	cfg := &Config{
		NodeType: nodeType,
		KeyPath:  filepath.Join(GetConfigDir(), DefaultKeyFile),
	}
	if nodeType == types.NodeTypeLeaf {
		cfg.ListenAddress = DefaultLeafListenAddress
		cfg.ShareDir = "."
	} else {
		cfg.ListenAddress = DefaultHubListenAddress
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every zero-valued tunable.
func (c *Config) applyDefaults() {
	if c.ListenURL == "" && c.ListenAddress != "" {
		host, port := splitListenAddress(c.ListenAddress)
		if host == "" {
			host = "localhost"
		}
		c.ListenURL = "http://" + host + ":" + port
	}
	if c.RedirectPrefix == "" {
		c.RedirectPrefix = DefaultRedirectPrefix
	}

	if c.Limits.MaxLeaves == 0 {
		c.Limits.MaxLeaves = 1000
	}
	if c.Limits.MaxChildHubs == 0 {
		c.Limits.MaxChildHubs = 10
	}
	if c.Limits.MaxFilesPerLeaf == 0 {
		c.Limits.MaxFilesPerLeaf = 100000
	}
	if c.Limits.MaxInternalFinds == 0 {
		c.Limits.MaxInternalFinds = 10
	}
	if c.Limits.MaxParallelFinds == 0 {
		c.Limits.MaxParallelFinds = 4
	}

	if c.Timing.ReconnectInitial == 0 {
		c.Timing.ReconnectInitial = Duration(4 * time.Second)
	}
	if c.Timing.ReconnectMax == 0 {
		c.Timing.ReconnectMax = Duration(60 * time.Second)
	}
	if c.Timing.RegisterTimeout == 0 {
		c.Timing.RegisterTimeout = Duration(10 * time.Second)
	}
	if c.Timing.NodeDataInterval == 0 {
		c.Timing.NodeDataInterval = Duration(5 * time.Second)
	}
	if c.Timing.FindTimeout == 0 {
		c.Timing.FindTimeout = Duration(10 * time.Second)
	}
	if c.Timing.ScanInterval == 0 {
		c.Timing.ScanInterval = Duration(5 * time.Minute)
	}
}

func splitListenAddress(addr string) (string, string) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, "80"
	}
	return addr[:i], addr[i+1:]
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.KeyPath = expandPath(cfg.KeyPath)
	cfg.ShareDir = expandPath(cfg.ShareDir)
	if cfg.KeyPath == "" {
		cfg.KeyPath = filepath.Join(filepath.Dir(path), DefaultKeyFile)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func LoadFromEnv() *Config {
	return LoadFromEnvFor(types.NodeType(getEnv("KBNET_NODE_TYPE", string(types.NodeTypeHub))))
}

// LoadFromEnvFor reads KBNET_* variables on top of the defaults for
// nodeType.
func LoadFromEnvFor(nodeType types.NodeType) *Config {
	cfg := Default(nodeType)

	cfg.Name = getEnv("KBNET_NAME", cfg.Name)
	cfg.Description = getEnv("KBNET_DESCRIPTION", cfg.Description)
	cfg.Owner = getEnv("KBNET_OWNER", cfg.Owner)
	cfg.OwnerEmail = getEnv("KBNET_OWNER_EMAIL", cfg.OwnerEmail)
	cfg.ScientificResearch = getEnv("KBNET_SCIENTIFIC_RESEARCH", cfg.ScientificResearch)
	cfg.ConfirmShare = getEnv("KBNET_CONFIRM_SHARE", cfg.ConfirmShare)

	cfg.ListenAddress = getEnv("KBNET_LISTEN_ADDRESS", cfg.ListenAddress)
	if u := os.Getenv("KBNET_LISTEN_URL"); u != "" {
		cfg.ListenURL = u
	} else if os.Getenv("KBNET_LISTEN_ADDRESS") != "" {
		cfg.ListenURL = ""
		cfg.applyDefaults()
	}
	cfg.ParentHubURL = getEnv("KBNET_PARENT_HUB_URL", cfg.ParentHubURL)
	cfg.ShareDir = expandPath(getEnv("KBNET_SHARE_DIR", cfg.ShareDir))
	cfg.KeyPath = expandPath(getEnv("KBNET_KEY_PATH", cfg.KeyPath))
	cfg.HealthAddress = getEnv("KBNET_HEALTH_ADDRESS", cfg.HealthAddress)
	cfg.RedirectPrefix = getEnv("KBNET_REDIRECT_PREFIX", cfg.RedirectPrefix)

	cfg.Limits.MaxLeaves = getEnvInt("KBNET_MAX_CONNECTED_TERMINALS", cfg.Limits.MaxLeaves)
	cfg.Limits.MaxChildHubs = getEnvInt("KBNET_MAX_CONNECTED_CHILD_HUBS", cfg.Limits.MaxChildHubs)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// WithDefaults fills every zero-valued tunable and returns c.
func (c *Config) WithDefaults() *Config {
	c.applyDefaults()
	return c
}

// Validate checks that the configuration can run a node.
func (c *Config) Validate() error {
	var errs []error

	if !c.NodeType.Valid() {
		errs = append(errs, fmt.Errorf("node_type must be %q or %q, got %q", types.NodeTypeHub, types.NodeTypeLeaf, c.NodeType))
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if err := validateHTTPURL("listen_url", c.ListenURL); err != nil {
		errs = append(errs, err)
	}
	if c.ParentHubURL != "" {
		if err := validateHTTPURL("parent_hub_url", c.ParentHubURL); err != nil {
			errs = append(errs, err)
		}
		if err := c.RegistrationInfo().ValidateConsent(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.NodeType == types.NodeTypeLeaf {
		if c.ParentHubURL == "" {
			errs = append(errs, errors.New("parent_hub_url is required for a leaf node"))
		}
		if c.ShareDir == "" {
			errs = append(errs, errors.New("share_dir is required for a leaf node"))
		}
	}
	if c.KeyPath == "" {
		errs = append(errs, errors.New("key_path is required"))
	}
	if c.RedirectPrefix != "" && !strings.HasPrefix(c.RedirectPrefix, "/") {
		errs = append(errs, fmt.Errorf("redirect_prefix must start with '/', got %q", c.RedirectPrefix))
	}
	if c.Limits.MaxLeaves < 0 || c.Limits.MaxChildHubs < 0 || c.Limits.MaxFilesPerLeaf < 0 ||
		c.Limits.MaxInternalFinds < 0 || c.Limits.MaxParallelFinds < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Timing.ReconnectMax < c.Timing.ReconnectInitial {
		errs = append(errs, errors.New("timing.reconnect_max must not be less than timing.reconnect_initial"))
	}

	return errors.Join(errs...)
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) url, got %q", field, raw)
	}
	return nil
}

// RegistrationInfo is what this node presents to its parent hub.
func (c *Config) RegistrationInfo() types.RegistrationInfo {
	return types.RegistrationInfo{
		NodeType:           c.NodeType,
		ListenURL:          strings.TrimSuffix(c.ListenURL, "/"),
		Name:               c.Name,
		Description:        c.Description,
		Owner:              c.Owner,
		OwnerEmail:         c.OwnerEmail,
		ScientificResearch: c.ScientificResearch,
		ConfirmShare:       c.ConfirmShare,
	}
}

func (c *Config) Save(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigDir returns the kbnet configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("KBNET_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "kbnet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbnet"
	}
	return filepath.Join(home, ".kbnet")
}

// GetConfigPath returns the path to the default config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
