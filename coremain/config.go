package coremain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bgpkit/monocle-sub001/mlog"
	"github.com/bgpkit/monocle-sub001/pkg/source"
)

// EnvPrefix of environment overrides, e.g. MONOCLE_CACHE_PATH.
const EnvPrefix = "MONOCLE"

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Cache   CacheConfig    `yaml:"cache"`
	Sources source.Opts    `yaml:"sources"`
	IP      IPConfig       `yaml:"ip"`
	Server  ServerConfig   `yaml:"server"`
	API     APIConfig      `yaml:"api"`
	Refresh RefreshConfig  `yaml:"refresh"`
}

type CacheConfig struct {
	// Path of the SQLite cache. Default is ~/.monocle/monocle.sqlite3.
	Path         string                   `yaml:"path"`
	FetchTimeout time.Duration            `yaml:"fetch_timeout"`
	TTL          map[string]time.Duration `yaml:"ttl"`
}

type IPConfig struct {
	GeoIPCountry string        `yaml:"geoip_country"`
	GeoIPASN     string        `yaml:"geoip_asn"`
	RDNSServer   string        `yaml:"rdns_server"`
	RDNSTimeout  time.Duration `yaml:"rdns_timeout"`

	RemoteAPI RemoteAPIConfig `yaml:"remote_api"`
}

type RemoteAPIConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize of the in-memory response cache. Ignored when Redis is set.
	CacheSize int `yaml:"cache_size"`
	// Redis url of a shared response cache, e.g. redis://localhost:6379/0.
	Redis string `yaml:"redis"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	Path           string        `yaml:"path"`
	ProxyProtocol  bool          `yaml:"proxy_protocol"`
	SrcIPHeader    string        `yaml:"src_ip_header"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

type RefreshConfig struct {
	// Interval of the background refresh check. 0 disables it.
	Interval time.Duration `yaml:"interval"`
	OnStart  bool          `yaml:"on_start"`
}

func (c *Config) init() error {
	if len(c.Cache.Path) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot locate the default cache path, set cache.path: %w", err)
		}
		c.Cache.Path = filepath.Join(home, ".monocle", "monocle.sqlite3")
	}
	if len(c.Server.Listen) == 0 {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.IP.RemoteAPI.CacheSize <= 0 {
		c.IP.RemoteAPI.CacheSize = 4096
	}
	return nil
}

// loadConfig loads a config from a file, then applies .env and MONOCLE_*
// environment overrides. If filePath is empty, it searches for a file named
// "monocle" in the working directory and ~/.monocle; a missing file leaves
// every option at its default.
func loadConfig(filePath string) (*Config, string, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvs(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, "", err
	}

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("monocle")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".monocle"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.init(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// bindEnvs makes every leaf option of t overridable from the environment,
// including options absent from the config file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if len(tag) == 0 || tag == "-" {
			continue
		}
		key := tag
		if len(prefix) > 0 {
			key = prefix + "." + tag
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			if err := bindEnvs(v, f.Type, key); err != nil {
				return err
			}
			continue
		case reflect.Map, reflect.Pointer, reflect.Func:
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}
