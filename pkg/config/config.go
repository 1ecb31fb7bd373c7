// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/qgisrepo/pkg/fwlog"
)

const (
	BackendDisk  = "disk"
	BackendMinio = "minio"

	envPrefix = "QGISREPO"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	RootPath     string        `mapstructure:"rootPath"`
	DataDir      string        `mapstructure:"dataDir"`
	HostURL      string        `mapstructure:"hostURL"`
	MaxBodyBytes int64         `mapstructure:"maxBodyBytes"`
	LogLevel     string        `mapstructure:"logLevel"`
	CertFile     string        `mapstructure:"certFile"`
	KeyFile      string        `mapstructure:"keyFile"`
	Storage      StorageConfig `mapstructure:"storage"`
	Minio        MinioConfig   `mapstructure:"minio"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
}

// RedisConfig points at the Dragonfly/Redis instance used for download
// counters. An empty Addr disables counting.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

var (
	once sync.Once

	mu sync.RWMutex

	config Config
)

func InitConfig() error {
	var initErr error
	once.Do(func() {
		initErr = LoadAndWatch()
	})
	return initErr
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

// LoadAndWatch reads flags, environment and the optional config file into the
// global configuration, then watches the file. Only the log level is applied
// on reload; everything else is read once at startup.
func LoadAndWatch() error {
	v := viper.GetViper()
	cfg, err := load(v, pflag.CommandLine, nil)
	if err != nil {
		return err
	}

	mu.Lock()
	config = cfg
	mu.Unlock()

	if v.ConfigFileUsed() == "" {
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("config file %s changed, reloading", e.Name)

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			fwlog.Errorf("Error while reloading config: %v", err)
			return
		}
		next.normalize()

		newLogLevel, err := fwlog.ParseLevel(next.LogLevel)
		if err != nil {
			fwlog.Warnf("New log level in config is invalid: %v. Keeping previous level.", err)
			return
		}
		fwlog.SetLevel(newLogLevel)

		mu.Lock()
		config.LogLevel = next.LogLevel
		mu.Unlock()
		fwlog.Infof("Log level reloaded successfully to: %s", next.LogLevel)
	})
	v.WatchConfig()

	return nil
}

// load resolves the configuration from defaults, the config file, environment
// variables and command line flags, in increasing order of precedence.
// args == nil means the flag set is parsed from os.Args.
func load(v *viper.Viper, fs *pflag.FlagSet, args []string) (Config, error) {
	setDefaults(v)

	if fs.Lookup("addr") == nil {
		registerFlags(fs)
	}
	if !fs.Parsed() {
		if args == nil {
			args = os.Args[1:]
		}
		if err := fs.Parse(args); err != nil {
			return Config{}, fmt.Errorf("failed to parse flags: %w", err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("failed to bind pflags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/qgisrepo/")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fwlog.Infof("Config file not found, using flags and environment.")
		} else {
			return Config{}, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("the initial configuration cannot be decoded into the struct: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":3008")
	v.SetDefault("rootPath", "/qgis")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("hostURL", "http://localhost:3008/qgis")
	v.SetDefault("maxBodyBytes", 1000000)
	v.SetDefault("logLevel", "info")
	v.SetDefault("certFile", "")
	v.SetDefault("keyFile", "")
	v.SetDefault("storage.backend", BackendDisk)
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.accessKey", "")
	v.SetDefault("minio.secretKey", "")
	v.SetDefault("minio.bucket", "")
	v.SetDefault("minio.prefix", "")
	v.SetDefault("minio.region", "")
	v.SetDefault("redis.addr", "")
}

// registerFlags only declares flags that override the most common options;
// the rest come from the config file or QGISREPO_* variables.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (default: ./config.yaml or /etc/qgisrepo/config.yaml).")
	fs.String("addr", ":3008", "HTTP listen address (e.g., ':3008').")
	fs.String("rootPath", "/qgis", "URL path prefix for all plugin routes.")
	fs.String("dataDir", "./data", "Directory holding one folder per plugin.")
	fs.String("hostURL", "http://localhost:3008/qgis", "Public base URL used to build download links.")
	fs.Int64("maxBodyBytes", 1000000, "Maximum accepted request body size in bytes.")
	fs.String("logLevel", "info", "Log level: debug, info, warn, error.")
	fs.String("certFile", "", "Path to the TLS certificate file.")
	fs.String("keyFile", "", "Path to the TLS private key file.")
}

// Validate reports the first inconsistency found in c.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must not be empty")
	}
	if c.RootPath != "" && !strings.HasPrefix(c.RootPath, "/") {
		return fmt.Errorf("config: rootPath %q must start with '/'", c.RootPath)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: maxBodyBytes must be positive, got %d", c.MaxBodyBytes)
	}
	u, err := url.Parse(c.HostURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: hostURL %q must be an absolute URL", c.HostURL)
	}
	if _, err := fwlog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: certFile and keyFile must be set together")
	}

	switch c.Storage.Backend {
	case BackendDisk:
		if c.DataDir == "" {
			return errors.New("config: dataDir must not be empty")
		}
	case BackendMinio:
		if c.Minio.Endpoint == "" || c.Minio.AccessKey == "" || c.Minio.SecretKey == "" || c.Minio.Bucket == "" {
			return errors.New("config: minio backend requires minio.endpoint, minio.accessKey, minio.secretKey and minio.bucket")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) normalize() {
	c.RootPath = strings.TrimRight(strings.TrimSpace(c.RootPath), "/")
	c.HostURL = strings.TrimRight(strings.TrimSpace(c.HostURL), "/")
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
}
