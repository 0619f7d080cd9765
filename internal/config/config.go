package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinFrameTimeout is the lowest frame timeout a stream may be configured with.
const MinFrameTimeout = 30 * time.Second

// Request bounds for captures and streams.
const (
	MinConfidenceThreshold = 0.4
	MaxConfidenceThreshold = 0.99
	MinLateMinutes         = 1
	MaxLateMinutes         = 120
	MinLocatorLength       = 8
	MaxLocatorLength       = 1024
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Stream   StreamConfig   `yaml:"stream"`
	Capture  CaptureConfig  `yaml:"capture"`
	Web      WebConfig      `yaml:"web"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL
}

type WorkerConfig struct {
	Encoder string        `yaml:"encoder"` // "python" or "goface"
	Python  string        `yaml:"python"`  // interpreter, defaults to python3
	Script  string        `yaml:"script"`  // defaults to python/worker.py
	Timeout time.Duration `yaml:"timeout"` // per-image encode timeout
	Models  string        `yaml:"models"`  // dlib model directory for goface
}

type StreamConfig struct {
	FrameTimeout  time.Duration `yaml:"frame_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	StopGrace     time.Duration `yaml:"stop_grace"`
	Retention     time.Duration `yaml:"retention"` // finished streams stay queryable this long
	FPS           int           `yaml:"fps"`
}

type CaptureConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	LateMinutes         int     `yaml:"late_minutes"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// Addr returns the listen address of the HTTP adapter.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/rollcall"},
		Worker: WorkerConfig{
			Encoder: "python",
			Python:  "python3",
			Script:  "python/worker.py",
			Timeout: 30 * time.Second,
			Models:  "models",
		},
		Stream: StreamConfig{
			FrameTimeout:  120 * time.Second,
			RetryInterval: 1500 * time.Millisecond,
			StopGrace:     5 * time.Second,
			Retention:     time.Hour,
			FPS:           2,
		},
		Capture: CaptureConfig{
			ConfidenceThreshold: 0.75,
			LateMinutes:         10,
		},
		Web: WebConfig{Host: "0.0.0.0", Port: 8080},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, then the optional YAML file at path,
// then the environment. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}

	envString("FACE_ENCODER", &c.Worker.Encoder)
	envString("WORKER_PYTHON", &c.Worker.Python)
	envString("WORKER_SCRIPT", &c.Worker.Script)
	envString("GOFACE_MODELS", &c.Worker.Models)
	envString("WEB_HOST", &c.Web.Host)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	var errs []error
	errs = append(errs,
		envDuration("WORKER_TIMEOUT", &c.Worker.Timeout),
		envDuration("STREAM_FRAME_TIMEOUT", &c.Stream.FrameTimeout),
		envDuration("STREAM_RETRY_INTERVAL", &c.Stream.RetryInterval),
		envDuration("STREAM_STOP_GRACE", &c.Stream.StopGrace),
		envDuration("STREAM_RETENTION", &c.Stream.Retention),
		envInt("STREAM_FPS", &c.Stream.FPS),
		envInt("CAPTURE_LATE_MINUTES", &c.Capture.LateMinutes),
		envInt("WEB_PORT", &c.Web.Port),
	)
	if s := os.Getenv("CAPTURE_CONFIDENCE_THRESHOLD"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: CAPTURE_CONFIDENCE_THRESHOLD=%q", ErrInvalid, s))
		} else {
			c.Capture.ConfidenceThreshold = v
		}
	}
	return errors.Join(errs...)
}

// Validate checks ranges and clamps the frame timeout to its floor.
func (c *Config) Validate() error {
	if c.Stream.FrameTimeout < MinFrameTimeout {
		c.Stream.FrameTimeout = MinFrameTimeout
	}
	if c.Stream.RetryInterval <= 0 {
		return fmt.Errorf("%w: stream retry interval must be positive", ErrInvalid)
	}
	if c.Stream.StopGrace <= 0 {
		return fmt.Errorf("%w: stream stop grace must be positive", ErrInvalid)
	}
	if c.Stream.Retention < 0 {
		return fmt.Errorf("%w: stream retention must not be negative", ErrInvalid)
	}
	if c.Stream.FPS < 0 {
		return fmt.Errorf("%w: stream fps must not be negative", ErrInvalid)
	}
	if err := CheckThreshold(c.Capture.ConfidenceThreshold); err != nil {
		return err
	}
	if err := CheckLateMinutes(c.Capture.LateMinutes); err != nil {
		return err
	}
	switch c.Worker.Encoder {
	case "python", "goface":
	default:
		return fmt.Errorf("%w: unknown face encoder %q", ErrInvalid, c.Worker.Encoder)
	}
	return nil
}

// CheckThreshold validates a per-request confidence threshold.
func CheckThreshold(v float64) error {
	if v < MinConfidenceThreshold || v > MaxConfidenceThreshold {
		return fmt.Errorf("%w: confidence threshold %.2f outside [%.2f, %.2f]",
			ErrInvalid, v, MinConfidenceThreshold, MaxConfidenceThreshold)
	}
	return nil
}

// CheckLateMinutes validates a per-request lateness window.
func CheckLateMinutes(v int) error {
	if v < MinLateMinutes || v > MaxLateMinutes {
		return fmt.Errorf("%w: late minutes %d outside [%d, %d]", ErrInvalid, v, MinLateMinutes, MaxLateMinutes)
	}
	return nil
}

// CheckLocator validates a stream source locator.
func CheckLocator(locator string) error {
	n := len(strings.TrimSpace(locator))
	if n < MinLocatorLength || n > MaxLocatorLength {
		return fmt.Errorf("%w: source locator length %d outside [%d, %d]", ErrInvalid, n, MinLocatorLength, MaxLocatorLength)
	}
	return nil
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, s)
	}
	*dst = n
	return nil
}

// envDuration accepts Go durations ("1.5s") or plain seconds ("120").
func envDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, s)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}
