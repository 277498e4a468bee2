package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/verify"
)

// Config holds runtime settings shared by every subcommand. Values come from
// flags, environment variables or a .env file, in that order of precedence.
type Config struct {
	DB        string `help:"Path to SQLite database." default:"data/argoverify.db" env:"ARGOVERIFY_DB"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"json,text" default:"json" env:"LOG_FORMAT"`

	MaxLeadDays   int           `help:"Longest forecast lead time in days." default:"10" env:"MAX_LEAD_DAYS"`
	MatchWindow   time.Duration `help:"Max time between an observation and the forecast valid time." default:"12h" env:"MATCH_WINDOW"`
	MatchRadiusKm float64       `help:"Max distance in km between float and station position." default:"50" env:"MATCH_RADIUS_KM"`
	StoreTimeout  time.Duration `help:"Deadline for a single store read." default:"5s" env:"STORE_TIMEOUT"`
	Workers       int           `help:"Concurrent match workers; 0 means one per CPU." default:"0" env:"WORKERS"`
	CacheTTL      time.Duration `help:"How long computed results are cached." default:"15m" env:"CACHE_TTL"`
	CacheEntries  int           `help:"Max cached results." default:"1000" env:"CACHE_ENTRIES"`
	Models        []string      `help:"Known models in preference order." default:"WenHai,GLO12,2O1S" env:"MODELS"`
	StaleAfter    time.Duration `help:"Mark a station inactive after this long without a profile." default:"240h" env:"STALE_AFTER"`

	FTP   FTPConfig   `embed:"" prefix:"ftp-" envprefix:"FTP_"`
	Kafka KafkaConfig `embed:"" prefix:"kafka-" envprefix:"KAFKA_"`
}

type FTPConfig struct {
	Host     string        `help:"FTP host:port serving model output." env:"HOST"`
	User     string        `help:"FTP user." env:"USER"`
	Password string        `help:"FTP password." env:"PASSWORD"`
	Root     string        `help:"Directory holding forecast CSV files." default:"/" env:"ROOT"`
	Interval time.Duration `help:"Forecast poll interval." default:"6h" env:"INTERVAL"`
}

type KafkaConfig struct {
	Brokers []string `help:"Kafka brokers for the observation feed." env:"BROKERS"`
	Topic   string   `help:"Observation profile topic." default:"argo-profiles" env:"TOPIC"`
	GroupID string   `help:"Consumer group id." default:"argoverify" env:"GROUP_ID"`
}

// Load parses args and the environment into a Config without any subcommands.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("argoverify"))
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate is called by kong after parsing. It also checks the static
// variable and depth tables so a broken build fails at startup.
func (c *Config) Validate() error {
	if err := models.ValidateVariables(); err != nil {
		return err
	}
	if _, err := verify.NewDepthTable(verify.DefaultDepthLevels); err != nil {
		return fmt.Errorf("depth table: %w", err)
	}

	var errs []error
	if c.MaxLeadDays < 1 {
		errs = append(errs, fmt.Errorf("max-lead-days must be at least 1, got %d", c.MaxLeadDays))
	}
	if c.MatchWindow <= 0 {
		errs = append(errs, fmt.Errorf("match-window must be positive"))
	}
	if c.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("match-radius-km must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store-timeout must be positive"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache-ttl must be positive"))
	}
	if c.CacheEntries < 1 {
		errs = append(errs, fmt.Errorf("cache-entries must be at least 1"))
	}
	if len(c.Models) == 0 {
		errs = append(errs, fmt.Errorf("at least one model is required"))
	}
	seen := make(map[string]bool)
	for _, m := range c.Models {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("empty model name"))
		} else if seen[m] {
			errs = append(errs, fmt.Errorf("model %q listed twice", m))
		}
		seen[m] = true
	}
	if c.FTP.Host != "" && c.FTP.Interval <= 0 {
		errs = append(errs, fmt.Errorf("ftp-interval must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, fmt.Errorf("kafka-topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func (c *Config) MatchConfig() verify.MatchConfig {
	cfg := verify.DefaultMatchConfig()
	cfg.MaxLeadDays = c.MaxLeadDays
	cfg.TimeWindow = c.MatchWindow
	cfg.RadiusKm = c.MatchRadiusKm
	cfg.ReadTimeout = c.StoreTimeout
	return cfg
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
