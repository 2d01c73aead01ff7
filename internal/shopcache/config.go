package shopcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultIconPath    = "/icons/icon-192x192.png"
	defaultOfflinePath = "/offline.html"
	defaultPushBody    = "You have a new update from the store."
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// Origin is the upstream storefront every tenant site is served from.
		Origin string `yaml:"origin"`
		// RootDomain is the apex under which seller subdomains live.
		RootDomain string `yaml:"rootDomain"`
		// Scheme is the public scheme browsers use, used to build cache keys.
		Scheme string `yaml:"scheme"`
	} `yaml:"server"`

	Storage struct {
		Kind string `yaml:"kind"` // "disk" | "memory"
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Worker struct {
		IconPath            string `yaml:"iconPath"`
		OfflinePath         string `yaml:"offlinePath"`
		MaxBackgroundWrites int    `yaml:"maxBackgroundWrites"`
		// MaxRegistrations caps live workers; the least recently used one is
		// dropped when a new location registers past the cap.
		MaxRegistrations int `yaml:"maxRegistrations"`
	} `yaml:"worker"`

	Notifications struct {
		DefaultBody string `yaml:"defaultBody"`
	} `yaml:"notifications"`

	Sync struct {
		Endpoint string `yaml:"endpoint"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	ramMax        int64
	diskMax       int64
	syncTimeout   time.Duration
	logStatsEvery time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	cfg.Server.RootDomain = strings.ToLower(strings.Trim(strings.TrimSpace(cfg.Server.RootDomain), "."))
	if cfg.Server.RootDomain == "" {
		return fmt.Errorf("server.rootDomain is required")
	}
	switch cfg.Server.Scheme {
	case "":
		cfg.Server.Scheme = "https"
	case "http", "https":
	default:
		return fmt.Errorf("server.scheme: unsupported %q", cfg.Server.Scheme)
	}

	switch cfg.Storage.Kind {
	case "":
		cfg.Storage.Kind = "disk"
	case "disk", "memory":
	default:
		return fmt.Errorf("storage.kind: unsupported %q", cfg.Storage.Kind)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Worker.IconPath == "" {
		cfg.Worker.IconPath = defaultIconPath
	}
	if cfg.Worker.OfflinePath == "" {
		cfg.Worker.OfflinePath = defaultOfflinePath
	}
	if !strings.HasPrefix(cfg.Worker.IconPath, "/") || !strings.HasPrefix(cfg.Worker.OfflinePath, "/") {
		return fmt.Errorf("worker.iconPath and worker.offlinePath must be absolute paths")
	}
	if cfg.Worker.MaxBackgroundWrites <= 0 {
		cfg.Worker.MaxBackgroundWrites = 32
	}
	if cfg.Worker.MaxRegistrations <= 0 {
		cfg.Worker.MaxRegistrations = 1024
	}
	if cfg.Notifications.DefaultBody == "" {
		cfg.Notifications.DefaultBody = defaultPushBody
	}

	cfg.syncTimeout = 30 * time.Second
	if cfg.Sync.Timeout != "" {
		if cfg.syncTimeout, err = time.ParseDuration(cfg.Sync.Timeout); err != nil {
			return fmt.Errorf("sync.timeout: %w", err)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.logStatsEvery, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}
