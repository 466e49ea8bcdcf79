package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values are layered: defaults,
// then an optional YAML file, then FACEGATE_* environment variables. Flags
// are applied on top by the cmd package.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Capture     CaptureConfig     `yaml:"capture"`
	Worker      WorkerConfig      `yaml:"worker"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	S3          S3Config          `yaml:"s3"`
	Audit       AuditConfig       `yaml:"audit"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

type StorageConfig struct {
	Root      string `yaml:"root"`       // per-user directories (img.jpg, encoding.bin)
	IndexPath string `yaml:"index_path"` // username -> record index
	KeyPath   string `yaml:"key_path"`
	IVPath    string `yaml:"iv_path"`
}

type RecognitionConfig struct {
	Threshold float64 `yaml:"threshold"` // strict: distance must be < threshold
	FrameSkip int     `yaml:"frame_skip"`
	Scale     float64 `yaml:"scale"`
}

type ThrottleConfig struct {
	DenialInterval time.Duration `yaml:"denial_interval"`
	ResetInterval  time.Duration `yaml:"reset_interval"`
}

type CaptureConfig struct {
	Device string `yaml:"device"` // ffmpeg input, e.g. /dev/video0
	Format string `yaml:"format"` // ffmpeg demuxer, e.g. v4l2; empty = probe
}

type WorkerConfig struct {
	Python string `yaml:"python"`
	Script string `yaml:"script"`
}

type ArtifactsConfig struct {
	DeniedDir string `yaml:"denied_dir"`
}

// S3Config enables mirroring of denial artifacts when Bucket is set.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // for MinIO and other S3-compatible stores
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// AuditConfig enables the Postgres access log when DatabaseURL is set.
type AuditConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	MaxUploadMiB int    `yaml:"max_upload_mib"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:      "./data/known_users",
			IndexPath: "./data/user_storage.json",
			KeyPath:   "./data/encryption.key",
			IVPath:    "./data/encryption.iv",
		},
		Recognition: RecognitionConfig{
			Threshold: 0.6,
			FrameSkip: 2,
			Scale:     0.5,
		},
		Throttle: ThrottleConfig{
			DenialInterval: 15 * time.Second,
			ResetInterval:  300 * time.Second,
		},
		Capture: CaptureConfig{
			Device: "/dev/video0",
			Format: "v4l2",
		},
		Worker: WorkerConfig{
			Python: "python3",
			Script: "python/worker.py",
		},
		Artifacts: ArtifactsConfig{
			DeniedDir: "./data/denied_access_images",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxUploadMiB: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Root = envString("FACEGATE_STORAGE_ROOT", c.Storage.Root)
	c.Storage.IndexPath = envString("FACEGATE_INDEX_PATH", c.Storage.IndexPath)
	c.Storage.KeyPath = envString("FACEGATE_KEY_PATH", c.Storage.KeyPath)
	c.Storage.IVPath = envString("FACEGATE_IV_PATH", c.Storage.IVPath)

	c.Recognition.Threshold = envFloat("FACEGATE_THRESHOLD", c.Recognition.Threshold)
	c.Recognition.FrameSkip = envInt("FACEGATE_FRAME_SKIP", c.Recognition.FrameSkip)
	c.Recognition.Scale = envFloat("FACEGATE_SCALE", c.Recognition.Scale)

	c.Throttle.DenialInterval = envDuration("FACEGATE_DENIAL_INTERVAL", c.Throttle.DenialInterval)
	c.Throttle.ResetInterval = envDuration("FACEGATE_RESET_INTERVAL", c.Throttle.ResetInterval)

	c.Capture.Device = envString("FACEGATE_CAPTURE_DEVICE", c.Capture.Device)
	c.Capture.Format = envString("FACEGATE_CAPTURE_FORMAT", c.Capture.Format)

	c.Worker.Python = envString("FACEGATE_PYTHON", c.Worker.Python)
	c.Worker.Script = envString("FACEGATE_WORKER_SCRIPT", c.Worker.Script)

	c.Artifacts.DeniedDir = envString("FACEGATE_DENIED_DIR", c.Artifacts.DeniedDir)

	c.S3.Bucket = envString("FACEGATE_S3_BUCKET", c.S3.Bucket)
	c.S3.Region = envString("FACEGATE_S3_REGION", c.S3.Region)
	c.S3.Endpoint = envString("FACEGATE_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = envString("FACEGATE_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = envString("FACEGATE_S3_SECRET_KEY", c.S3.SecretKey)

	c.Audit.DatabaseURL = envString("FACEGATE_DATABASE_URL", c.Audit.DatabaseURL)

	c.HTTP.Addr = envString("FACEGATE_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.MaxUploadMiB = envInt("FACEGATE_MAX_UPLOAD_MIB", c.HTTP.MaxUploadMiB)

	c.Log.Level = envString("FACEGATE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("FACEGATE_LOG_FORMAT", c.Log.Format)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Recognition.FrameSkip < 1 {
		errs = append(errs, fmt.Errorf("frame skip must be >= 1, got %d", c.Recognition.FrameSkip))
	}
	if math.IsNaN(c.Recognition.Scale) || c.Recognition.Scale <= 0 || c.Recognition.Scale > 1 {
		errs = append(errs, fmt.Errorf("scale must be in (0, 1], got %g", c.Recognition.Scale))
	}
	if math.IsNaN(c.Recognition.Threshold) || math.IsInf(c.Recognition.Threshold, 0) || c.Recognition.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be > 0, got %g", c.Recognition.Threshold))
	}
	if c.Throttle.DenialInterval <= 0 {
		errs = append(errs, fmt.Errorf("denial interval must be > 0, got %s", c.Throttle.DenialInterval))
	}
	if c.Throttle.ResetInterval <= 0 {
		errs = append(errs, fmt.Errorf("reset interval must be > 0, got %s", c.Throttle.ResetInterval))
	} else if c.Throttle.ResetInterval < c.Throttle.DenialInterval {
		errs = append(errs, fmt.Errorf("reset interval %s is shorter than denial interval %s",
			c.Throttle.ResetInterval, c.Throttle.DenialInterval))
	}
	if c.Storage.Root == "" || c.Storage.IndexPath == "" || c.Storage.KeyPath == "" || c.Storage.IVPath == "" {
		errs = append(errs, errors.New("storage paths must not be empty"))
	}
	if c.HTTP.MaxUploadMiB < 1 {
		errs = append(errs, fmt.Errorf("max upload must be >= 1 MiB, got %d", c.HTTP.MaxUploadMiB))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes is the request body limit for enrollment uploads.
func (c *HTTPConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMiB) << 20
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration accepts Go durations ("15s") or bare seconds ("15").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
