package offgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Shell struct {
		Name     string   `yaml:"name"`
		Version  string   `yaml:"version"`
		Manifest []string `yaml:"manifest"`
		Document string   `yaml:"document"`
		Offline  string   `yaml:"offline"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"shell"`

	Updates struct {
		Endpoint  string `yaml:"endpoint"`
		PollEvery string `yaml:"pollEvery"`
		MinGap    string `yaml:"minGap"`

		// compiled
		pollEveryDur time.Duration
		minGapDur    time.Duration
	} `yaml:"updates"`

	Push struct {
		Enabled          bool   `yaml:"enabled"`
		VAPIDPublicKey   string `yaml:"vapidPublicKey"`
		SimulateResponse string `yaml:"simulateResponse"`
	} `yaml:"push"`

	Notifications struct {
		DefaultDuration string `yaml:"defaultDuration"`
		UpdateDuration  string `yaml:"updateDuration"`

		// compiled
		defaultDur time.Duration
		updateDur  time.Duration
	} `yaml:"notifications"`

	Cleanup struct {
		Every  string `yaml:"every"`
		MaxAge string `yaml:"maxAge"`

		// compiled
		everyDur  time.Duration
		maxAgeDur time.Duration
	} `yaml:"cleanup"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// Generation names the cache snapshot produced by the configured shell
// name and version. Changing either is the only way to force a re-cache.
func (c *Config) Generation() string {
	return c.Shell.Name + "-v" + c.Shell.Version
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compile applies defaults, validates required fields and parses durations.
func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/offgate"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64mb"
	}
	if c.Storage.Disk.Max == "" {
		c.Storage.Disk.Max = "512mb"
	}

	if c.Shell.Name == "" {
		c.Shell.Name = "offgate"
	}
	if strings.Contains(c.Shell.Name, ":") {
		return fmt.Errorf("shell.name must not contain ':'")
	}
	if c.Shell.Version == "" {
		c.Shell.Version = "1.0.0"
	}
	// The generation name is the key segment before the first ':'.
	if strings.Contains(c.Shell.Version, ":") {
		return fmt.Errorf("shell.version must not contain ':'")
	}
	if c.Shell.Document == "" {
		c.Shell.Document = "/index.html"
	}
	if c.Shell.Offline == "" {
		c.Shell.Offline = "/offline.html"
	}
	for i, p := range c.Shell.Manifest {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("shell.manifest[%d]: path %q must start with /", i, p)
		}
		c.Shell.Manifest[i] = p
	}
	// The navigation and offline fallbacks only work if their documents are
	// part of the precached shell.
	for _, required := range []string{c.Shell.Document, c.Shell.Offline} {
		if !containsString(c.Shell.Manifest, required) {
			c.Shell.Manifest = append(c.Shell.Manifest, required)
		}
	}

	var err error
	if c.Updates.pollEveryDur, err = parseDur("updates.pollEvery", c.Updates.PollEvery, 30*time.Minute); err != nil {
		return err
	}
	if c.Updates.minGapDur, err = parseDur("updates.minGap", c.Updates.MinGap, 2*time.Hour); err != nil {
		return err
	}
	if c.Updates.Endpoint != "" && !strings.HasPrefix(c.Updates.Endpoint, "/") {
		return fmt.Errorf("updates.endpoint must be an origin-relative path")
	}

	switch Permission(c.Push.SimulateResponse) {
	case "":
		c.Push.SimulateResponse = string(PermissionGranted)
	case PermissionGranted, PermissionDenied, PermissionDefault:
	default:
		return fmt.Errorf("push.simulateResponse: invalid value %q", c.Push.SimulateResponse)
	}

	if c.Notifications.defaultDur, err = parseDur("notifications.defaultDuration", c.Notifications.DefaultDuration, 5*time.Second); err != nil {
		return err
	}
	if c.Notifications.updateDur, err = parseDur("notifications.updateDuration", c.Notifications.UpdateDuration, 15*time.Second); err != nil {
		return err
	}

	if c.Cleanup.everyDur, err = parseDur("cleanup.every", c.Cleanup.Every, 24*time.Hour); err != nil {
		return err
	}
	if c.Cleanup.maxAgeDur, err = parseDur("cleanup.maxAge", c.Cleanup.MaxAge, 30*24*time.Hour); err != nil {
		return err
	}

	if c.Logging.logStatsEveryDur, err = parseDur("logging.logStatsEvery", c.Logging.LogStatsEvery, 0); err != nil {
		return err
	}

	return nil
}

func parseDur(name, v string, def time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", name)
	}
	return d, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
