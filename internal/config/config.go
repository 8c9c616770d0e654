// Package config loads loupe's settings from a .env file, the environment
// and command-line flags. Flags take precedence over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the configuration of the loupe binary.
type Config struct {
	// Composition is the path to a YAML composition file.
	Composition string
	// BaseDir resolves relative clip URLs. Defaults to the composition's
	// directory.
	BaseDir string

	APIAddr   string
	HTTP3     bool
	LogLevel  string
	LogFormat string

	CacheGB         float64
	ReadAhead       time.Duration
	ReadBehind      time.Duration
	VideoRequestMax int
	AudioRequestMax int
	ReaderPoolSize  int

	Loop     string
	Autoplay bool
}

// Load reads .env files into the environment. With no paths, ".env" is
// used. A missing file is an error callers may ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of key, or fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns key as an int, or fallback if it is unset or invalid.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns key as a float64, or fallback if it is unset or
// invalid.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool returns key as a bool, or fallback if it is unset or invalid.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns key parsed by time.ParseDuration, or fallback if
// it is unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		APIAddr:         ":4444",
		HTTP3:           true,
		LogLevel:        "info",
		LogFormat:       "text",
		CacheGB:         4,
		ReadAhead:       2 * time.Second,
		ReadBehind:      500 * time.Millisecond,
		VideoRequestMax: 16,
		AudioRequestMax: 16,
		ReaderPoolSize:  16,
		Loop:            "loop",
		Autoplay:        true,
	}
}

// Parse builds a Config from the environment and then args.
func Parse(args []string) (Config, error) {
	return parseWithFlagSet(flag.NewFlagSet("loupe", flag.ContinueOnError), args)
}

func parseWithFlagSet(fs *flag.FlagSet, args []string) (Config, error) {
	d := Default()
	cfg := Config{
		Composition:     GetEnv("LOUPE_COMPOSITION", ""),
		BaseDir:         GetEnv("LOUPE_BASE_DIR", ""),
		APIAddr:         GetEnv("LOUPE_API_ADDR", d.APIAddr),
		HTTP3:           GetEnvBool("LOUPE_HTTP3", d.HTTP3),
		LogLevel:        GetEnv("LOUPE_LOG_LEVEL", d.LogLevel),
		LogFormat:       GetEnv("LOUPE_LOG_FORMAT", d.LogFormat),
		CacheGB:         GetEnvFloat("LOUPE_CACHE_GB", d.CacheGB),
		ReadAhead:       GetEnvDuration("LOUPE_READ_AHEAD", d.ReadAhead),
		ReadBehind:      GetEnvDuration("LOUPE_READ_BEHIND", d.ReadBehind),
		VideoRequestMax: GetEnvInt("LOUPE_VIDEO_REQUEST_MAX", d.VideoRequestMax),
		AudioRequestMax: GetEnvInt("LOUPE_AUDIO_REQUEST_MAX", d.AudioRequestMax),
		ReaderPoolSize:  GetEnvInt("LOUPE_READER_POOL_SIZE", d.ReaderPoolSize),
		Loop:            GetEnv("LOUPE_LOOP", d.Loop),
		Autoplay:        GetEnvBool("LOUPE_AUTOPLAY", d.Autoplay),
	}

	fs.StringVar(&cfg.Composition, "composition", cfg.Composition, "composition file (YAML)")
	fs.StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "directory relative clip URLs resolve against")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "control API listen address")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "also serve the control API over HTTP/3")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.Float64Var(&cfg.CacheGB, "cache-gb", cfg.CacheGB, "decoded-media cache budget in GB")
	fs.DurationVar(&cfg.ReadAhead, "read-ahead", cfg.ReadAhead, "player read-ahead")
	fs.DurationVar(&cfg.ReadBehind, "read-behind", cfg.ReadBehind, "player read-behind")
	fs.IntVar(&cfg.VideoRequestMax, "video-requests", cfg.VideoRequestMax, "video requests in flight per timeline")
	fs.IntVar(&cfg.AudioRequestMax, "audio-requests", cfg.AudioRequestMax, "audio requests in flight per timeline")
	fs.IntVar(&cfg.ReaderPoolSize, "readers", cfg.ReaderPoolSize, "open readers per timeline")
	fs.StringVar(&cfg.Loop, "loop", cfg.Loop, "loop mode (loop, once, pingpong)")
	fs.BoolVar(&cfg.Autoplay, "autoplay", cfg.Autoplay, "start playing once loaded")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Composition == "" && fs.NArg() > 0 {
		cfg.Composition = fs.Arg(0)
	}
	return cfg, cfg.Validate()
}

// CacheBytes returns the cache budget in bytes.
func (c Config) CacheBytes() int64 {
	return int64(c.CacheGB * (1 << 30))
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api address is required"))
	}
	if c.CacheGB <= 0 {
		errs = append(errs, fmt.Errorf("cache-gb must be positive, got %v", c.CacheGB))
	}
	if c.ReadAhead < 0 || c.ReadBehind < 0 {
		errs = append(errs, errors.New("read-ahead and read-behind must not be negative"))
	}
	switch c.Loop {
	case "loop", "once", "pingpong":
	default:
		errs = append(errs, fmt.Errorf("unknown loop mode %q", c.Loop))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
