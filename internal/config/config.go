// Package config loads hls2mp4 settings from defaults, an optional config
// file, HLS2MP4_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "HLS2MP4"

// Config is the effective configuration of a run.
type Config struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Retries       int           `mapstructure:"retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Output        string        `mapstructure:"output"`
	KeepTemp      bool          `mapstructure:"keep_temp"`
	TempDir       string        `mapstructure:"temp_dir"`
	VideoBitrate  int           `mapstructure:"video_bitrate"`
	AudioBitrate  int           `mapstructure:"audio_bitrate"`
	FFmpeg        string        `mapstructure:"ffmpeg"`
	SkipTranscode bool          `mapstructure:"skip_transcode"`
	StatusPort    int           `mapstructure:"status_port"`
	History       HistoryConfig `mapstructure:"history"`
	Log           LogConfig     `mapstructure:"log"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"concurrency":    "concurrency",
	"retries":        "retries",
	"retry-delay":    "retry_delay",
	"timeout":        "timeout",
	"output":         "output",
	"keep-temp":      "keep_temp",
	"temp-dir":       "temp_dir",
	"video-bitrate":  "video_bitrate",
	"audio-bitrate":  "audio_bitrate",
	"ffmpeg":         "ffmpeg",
	"skip-transcode": "skip_transcode",
	"status-port":    "status_port",
	"history":        "history.path",
	"log-level":      "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("concurrency", 8)
	v.SetDefault("retries", 3)
	v.SetDefault("retry_delay", "2s")
	v.SetDefault("timeout", "30s")
	v.SetDefault("output", "output.mp4")
	v.SetDefault("keep_temp", false)
	v.SetDefault("temp_dir", filepath.Join(os.TempDir(), "hls2mp4"))
	v.SetDefault("video_bitrate", 0)
	v.SetDefault("audio_bitrate", 0)
	v.SetDefault("ffmpeg", "ffmpeg")
	v.SetDefault("skip_transcode", false)
	v.SetDefault("status_port", 0)
	v.SetDefault("history.path", DefaultHistoryPath())
	v.SetDefault("log.level", "info")
}

// DefaultHistoryPath is $XDG_DATA_HOME/hls2mp4/history.db, falling back to
// ~/.local/share. It is empty when no home directory is known.
func DefaultHistoryPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "hls2mp4", "history.db")
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.IntP("concurrency", "c", 8, "number of segments downloaded at once")
	fs.IntP("retries", "r", 3, "attempts per segment before the job fails")
	fs.Duration("retry-delay", 2*time.Second, "fixed wait between failed attempts")
	fs.Duration("timeout", 30*time.Second, "timeout for each HTTP request")
	fs.StringP("output", "o", "output.mp4", "output file")
	fs.Bool("keep-temp", false, "keep segment files and the merged stream")
	fs.String("temp-dir", filepath.Join(os.TempDir(), "hls2mp4"), "root directory for per-job temporary files")
	fs.Int("video-bitrate", 0, "target video bitrate in kbps (0 = encoder default)")
	fs.Int("audio-bitrate", 0, "target audio bitrate in kbps (0 = 256)")
	fs.String("ffmpeg", "ffmpeg", "ffmpeg binary")
	fs.Bool("skip-transcode", false, "write the merged transport stream without transcoding")
	fs.Int("status-port", 0, "serve job progress on this port (0 = off)")
	fs.String("history", DefaultHistoryPath(), "job history database (empty disables)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

// Load builds the configuration. path names an optional config file whose
// format follows its extension. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// HLS2MP4_HISTORY_PATH= turns history off.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no job can run with.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if strings.TrimSpace(c.Output) == "" {
		return errors.New("output is required")
	}
	if c.VideoBitrate < 0 || c.AudioBitrate < 0 {
		return errors.New("bitrates must not be negative")
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port must be between 0 and 65535, got %d", c.StatusPort)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the slog level named by log.level.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// tomlView is the printable form of Config with durations as strings.
type tomlView struct {
	Concurrency   int         `toml:"concurrency"`
	Retries       int         `toml:"retries"`
	RetryDelay    string      `toml:"retry_delay"`
	Timeout       string      `toml:"timeout"`
	Output        string      `toml:"output"`
	KeepTemp      bool        `toml:"keep_temp"`
	TempDir       string      `toml:"temp_dir"`
	VideoBitrate  int         `toml:"video_bitrate"`
	AudioBitrate  int         `toml:"audio_bitrate"`
	FFmpeg        string      `toml:"ffmpeg"`
	SkipTranscode bool        `toml:"skip_transcode"`
	StatusPort    int         `toml:"status_port"`
	History       historyView `toml:"history"`
	Log           logView     `toml:"log"`
}

type historyView struct {
	Path string `toml:"path"`
}

type logView struct {
	Level string `toml:"level"`
}

// TOML renders the configuration in a form Load accepts back as a .toml file.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(tomlView{
		Concurrency:   c.Concurrency,
		Retries:       c.Retries,
		RetryDelay:    c.RetryDelay.String(),
		Timeout:       c.Timeout.String(),
		Output:        c.Output,
		KeepTemp:      c.KeepTemp,
		TempDir:       c.TempDir,
		VideoBitrate:  c.VideoBitrate,
		AudioBitrate:  c.AudioBitrate,
		FFmpeg:        c.FFmpeg,
		SkipTranscode: c.SkipTranscode,
		StatusPort:    c.StatusPort,
		History:       historyView{Path: c.History.Path},
		Log:           logView{Level: c.Log.Level},
	})
}
