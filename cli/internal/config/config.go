package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	Defaults       *Profile            `yaml:"defaults,omitempty"`
	path           string
}

// Profile points relayctl at one deployment.
type Profile struct {
	GatewayURL    string `yaml:"gateway_url"`
	WorkerURL     string `yaml:"worker_url"`
	InternalKey   string `yaml:"internal_key,omitempty"`
	TokenSecret   string `yaml:"token_secret,omitempty"`
	EnvironmentID string `yaml:"environment_id,omitempty"`
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
		Defaults: &Profile{
			GatewayURL: "http://localhost:8090",
			WorkerURL:  "http://localhost:8091",
		},
	}
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayctl", "config.yaml"), nil
}

func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		p, err := defaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = p
	}

	cfg := Default()
	cfg.path = cfgFile

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}
	if cfg.Defaults == nil {
		cfg.Defaults = Default().Defaults
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets RELAYCTL_* variables override the defaults.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAYCTL_GATEWAY_URL"); v != "" {
		c.Defaults.GatewayURL = v
	}
	if v := os.Getenv("RELAYCTL_WORKER_URL"); v != "" {
		c.Defaults.WorkerURL = v
	}
	if v := os.Getenv("RELAYCTL_INTERNAL_KEY"); v != "" {
		c.Defaults.InternalKey = v
	}
	if v := os.Getenv("RELAYCTL_TOKEN_SECRET"); v != "" {
		c.Defaults.TokenSecret = v
	}
}

func (c *Config) Save() error {
	if c.path == "" {
		p, err := defaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// SaveProfile stores p under name and makes it current.
func (c *Config) SaveProfile(name string, p *Profile) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile returns the named profile, or the current one when name is
// empty. Unset fields are filled from Defaults.
func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	p := *profile
	if c.Defaults != nil {
		if p.GatewayURL == "" {
			p.GatewayURL = c.Defaults.GatewayURL
		}
		if p.WorkerURL == "" {
			p.WorkerURL = c.Defaults.WorkerURL
		}
		if p.InternalKey == "" {
			p.InternalKey = c.Defaults.InternalKey
		}
		if p.TokenSecret == "" {
			p.TokenSecret = c.Defaults.TokenSecret
		}
	}
	return &p, nil
}

// ProfileOrDefaults behaves like GetProfile but falls back to Defaults when
// the profile does not exist.
func (c *Config) ProfileOrDefaults(name string) *Profile {
	if p, err := c.GetProfile(name); err == nil {
		return p
	}
	if c.Defaults == nil {
		return Default().Defaults
	}
	p := *c.Defaults
	return &p
}

func (c *Config) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}

	delete(c.Profiles, name)

	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}
	return c.Save()
}
