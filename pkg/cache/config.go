package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
)

const (
	defaultVersion            = 1
	defaultListen             = "127.0.0.1:8787"
	defaultOrigin             = "http://localhost:3000"
	defaultGeneration         = "st-theresa-nav-v1"
	defaultTilePartition      = "map-tiles-cache"
	defaultStoreBackend       = BackendBbolt
	defaultStorePath          = "~/.offlinenav/cache.db"
	defaultTimeoutSec         = 30
	defaultInstallParallel    = 4
	defaultMaxRefreshes       = 16
	defaultInstallRetryMaxSec = 300
	defaultPermission         = "prompt"
	defaultOTLPEndpoint       = "localhost:4318"
	defaultExportIntervalSec  = 30
)

// Store backends.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultManifest is the static shell installed with every generation.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"https://cdn.tailwindcss.com",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
	"https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
	"https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
}

// DefaultTileHosts are the map tile providers served stale-while-revalidate.
var DefaultTileHosts = []string{
	"basemaps.cartocdn.com",
	"tile.openstreetmap.org",
}

var ErrConfigMissing = errors.New("offlinenav config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes daemon behaviour. Environment variables override file values.
type Config struct {
	Version   int             `yaml:"version"`
	Listen    string          `yaml:"listen" env:"OFFLINENAV_LISTEN"`
	Origin    string          `yaml:"origin" env:"OFFLINENAV_ORIGIN"`
	Shell     ShellConfig     `yaml:"shell"`
	Tiles     TileConfig      `yaml:"tiles"`
	Store     StoreConfig     `yaml:"store"`
	Network   NetworkConfig   `yaml:"network"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ShellConfig names the shell generation and its manifest. Bumping Generation
// is the only way to invalidate the installed shell.
type ShellConfig struct {
	Generation string   `yaml:"generation" env:"OFFLINENAV_SHELL_GENERATION"`
	Manifest   []string `yaml:"manifest" env:"OFFLINENAV_SHELL_MANIFEST" envSeparator:","`
}

// TileConfig configures the map tile partition.
type TileConfig struct {
	Partition string   `yaml:"partition" env:"OFFLINENAV_TILES_PARTITION"`
	Hosts     []string `yaml:"hosts" env:"OFFLINENAV_TILES_HOSTS" envSeparator:","`
}

// StoreConfig selects the cache backend.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"OFFLINENAV_STORE_BACKEND"`
	Path    string `yaml:"path" env:"OFFLINENAV_STORE_PATH"`
}

// NetworkConfig captures fetch tuning.
type NetworkConfig struct {
	TimeoutSec         int   `yaml:"timeout_sec" env:"OFFLINENAV_NETWORK_TIMEOUT_SEC"`
	InstallParallel    int   `yaml:"install_parallel" env:"OFFLINENAV_NETWORK_INSTALL_PARALLEL"`
	MaxRefreshes       int64 `yaml:"max_refreshes" env:"OFFLINENAV_NETWORK_MAX_REFRESHES"`
	InstallRetryMaxSec int   `yaml:"install_retry_max_sec" env:"OFFLINENAV_NETWORK_INSTALL_RETRY_MAX_SEC"`
}

// TrackingConfig describes the host device's location capabilities.
type TrackingConfig struct {
	// Permission is one of granted, prompt, denied or unsupported.
	Permission string `yaml:"permission" env:"OFFLINENAV_TRACKING_PERMISSION"`
}

// CatalogConfig points at an optional location catalog file.
type CatalogConfig struct {
	Path string `yaml:"path" env:"OFFLINENAV_CATALOG_PATH"`
}

// TelemetryConfig controls OTLP metric export.
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled" env:"OFFLINENAV_TELEMETRY_ENABLED"`
	OTLPEndpoint      string `yaml:"otlp_endpoint" env:"OFFLINENAV_TELEMETRY_OTLP_ENDPOINT"`
	Insecure          bool   `yaml:"insecure" env:"OFFLINENAV_TELEMETRY_INSECURE"`
	ExportIntervalSec int    `yaml:"export_interval_sec" env:"OFFLINENAV_TELEMETRY_EXPORT_INTERVAL_SEC"`
}

// DefaultConfig returns the configuration used for the template and for
// unset fields.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns ~/.offlinenav/config.yaml.
func DefaultConfigPath() string {
	p, err := homedir.Expand("~/.offlinenav/config.yaml")
	if err != nil {
		return filepath.Join(".offlinenav", "config.yaml")
	}
	return p
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML, overlays the environment, applies defaults and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse offlinenav config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// OriginURL parses the configured origin.
func (c Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Origin)
}

// Generation returns the configured shell generation.
func (c Config) Generation() lifecycle.Generation {
	return lifecycle.Generation{
		Version:  c.Shell.Generation,
		Manifest: append([]string(nil), c.Shell.Manifest...),
	}
}

// FetchTimeout is the per-request network timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Network.TimeoutSec) * time.Second
}

// InstallRetryMax caps the install retry backoff.
func (c Config) InstallRetryMax() time.Duration {
	return time.Duration(c.Network.InstallRetryMaxSec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Origin == "" {
		c.Origin = defaultOrigin
	}
	if c.Shell.Generation == "" {
		c.Shell.Generation = defaultGeneration
	}
	if len(c.Shell.Manifest) == 0 {
		c.Shell.Manifest = append([]string(nil), DefaultManifest...)
	}
	if c.Tiles.Partition == "" {
		c.Tiles.Partition = defaultTilePartition
	}
	if len(c.Tiles.Hosts) == 0 {
		c.Tiles.Hosts = append([]string(nil), DefaultTileHosts...)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	if c.Store.Path == "" && c.Store.Backend != BackendMemory {
		c.Store.Path = defaultStorePath
	}
	if c.Network.TimeoutSec == 0 {
		c.Network.TimeoutSec = defaultTimeoutSec
	}
	if c.Network.InstallParallel == 0 {
		c.Network.InstallParallel = defaultInstallParallel
	}
	if c.Network.MaxRefreshes == 0 {
		c.Network.MaxRefreshes = defaultMaxRefreshes
	}
	if c.Network.InstallRetryMaxSec == 0 {
		c.Network.InstallRetryMaxSec = defaultInstallRetryMaxSec
	}
	if c.Tracking.Permission == "" {
		c.Tracking.Permission = defaultPermission
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = defaultOTLPEndpoint
	}
	if c.Telemetry.ExportIntervalSec == 0 {
		c.Telemetry.ExportIntervalSec = defaultExportIntervalSec
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Store.Path, &c.Catalog.Path} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.Listen == "" {
		issues = append(issues, "listen must not be empty")
	}
	if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, "origin must be an absolute url")
	}
	if strings.TrimSpace(c.Shell.Generation) == "" {
		issues = append(issues, "shell.generation must not be empty")
	}
	if c.Shell.Generation == c.Tiles.Partition {
		issues = append(issues, "shell.generation must differ from tiles.partition")
	}
	for _, raw := range c.Shell.Manifest {
		if strings.TrimSpace(raw) == "" {
			issues = append(issues, "shell.manifest entries must not be empty")
			break
		}
	}
	switch c.Store.Backend {
	case BackendBbolt, BackendSQLite:
		if c.Store.Path == "" {
			issues = append(issues, "store.path is required for "+c.Store.Backend)
		}
	case BackendMemory:
	default:
		issues = append(issues, "store.backend must be one of bbolt, sqlite, memory")
	}
	if c.Network.TimeoutSec <= 0 {
		issues = append(issues, "network.timeout_sec must be > 0")
	}
	if c.Network.InstallParallel <= 0 {
		issues = append(issues, "network.install_parallel must be > 0")
	}
	if c.Network.MaxRefreshes <= 0 {
		issues = append(issues, "network.max_refreshes must be > 0")
	}
	if c.Network.InstallRetryMaxSec <= 0 {
		issues = append(issues, "network.install_retry_max_sec must be > 0")
	}
	switch c.Tracking.Permission {
	case "granted", "prompt", "denied", "unsupported":
	default:
		issues = append(issues, "tracking.permission must be one of granted, prompt, denied, unsupported")
	}
	if c.Telemetry.ExportIntervalSec <= 0 {
		issues = append(issues, "telemetry.export_interval_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	body, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("render config template: %w", err)
	}
	tpl := bytes.NewBufferString("# offlinenav configuration\n")
	tpl.WriteString("# Bump shell.generation to roll out a new static shell.\n")
	tpl.WriteString("# store.backend: bbolt | sqlite | memory\n")
	tpl.WriteString("# tracking.permission: granted | prompt | denied | unsupported\n")
	tpl.Write(body)

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
