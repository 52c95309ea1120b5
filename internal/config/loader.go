// Package config loads runtime configuration with the precedence
// runtime overrides > environment > config file > defaults. Environment
// variables use the SCRIPTORIUM_ prefix with underscores for nesting, e.g.
// SCRIPTORIUM_SERVER_PORT.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/quillaudio/scriptorium/pkg/enginepool"
	"github.com/quillaudio/scriptorium/pkg/transcribe"
	"github.com/quillaudio/scriptorium/pkg/worker"
)

// envPrefix is the environment variable prefix.
const envPrefix = "SCRIPTORIUM"

// Config is the full runtime configuration.
type Config struct {
	Store     StoreConfig              `mapstructure:"store"`
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Ingest    IngestConfig             `mapstructure:"ingest"`
	Worker    worker.Config            `mapstructure:"worker"`
	Engines   enginepool.Config        `mapstructure:"engines"`
	Whisper   transcribe.WhisperConfig `mapstructure:"whisper"`
	ExportDir string                   `mapstructure:"export_dir"`
}

// StoreConfig locates the shared SQLite store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds the editor API listen settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the shared loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// IngestConfig holds chunk-audio placement and the media tool commands.
type IngestConfig struct {
	ChunkDir   string `mapstructure:"chunk_dir"`
	FFmpegCmd  string `mapstructure:"ffmpeg_cmd"`
	FFprobeCmd string `mapstructure:"ffprobe_cmd"`
}

var (
	mu      sync.RWMutex
	current *Config
)

// Load builds configuration from defaults, an optional config file, the
// environment, and finally any runtime overrides (highest precedence). An
// empty path skips file loading.
func Load(_ context.Context, path string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil before
// the first Load.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "scriptorium.db")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("ingest.chunk_dir", "chunks")
	v.SetDefault("ingest.ffmpeg_cmd", "ffmpeg")
	v.SetDefault("ingest.ffprobe_cmd", "ffprobe")

	v.SetDefault("worker.poll_interval", "10s")
	v.SetDefault("worker.quota_cooldown", "1h")
	v.SetDefault("worker.exhausted_backoff", "15m")
	v.SetDefault("worker.translate", true)

	v.SetDefault("whisper.base_url", "http://localhost:9000")
	v.SetDefault("whisper.request_timeout", "30m")

	v.SetDefault("export_dir", "export")
}
