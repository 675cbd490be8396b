package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Predict    PredictConfig    `yaml:"predict"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type ModelConfig struct {
	Path           string `yaml:"path"`
	URL            string `yaml:"url"`
	LabelsPath     string `yaml:"labels_path"`
	LabelsURL      string `yaml:"labels_url"`
	CacheDir       string `yaml:"cache_dir"`
	InputName      string `yaml:"input_name"`
	OutputName     string `yaml:"output_name"`
	NumClasses     int    `yaml:"num_classes"`
	PoolSize       int    `yaml:"pool_size"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

type RuntimeConfig struct {
	LibraryPath string `yaml:"library_path"`
}

type PreprocessConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Mode   string `yaml:"mode"`
	Layout string `yaml:"layout"`
	Filter string `yaml:"filter"`
}

type PredictConfig struct {
	TopK    int  `yaml:"top_k"`
	Softmax bool `yaml:"softmax"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig starts from the embedded defaults, overlays the YAML file at path
// when one is given, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := envStr("PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Model.Path = envStr("MODEL_PATH", c.Model.Path)
	c.Model.URL = envStr("MODEL_URL", c.Model.URL)
	c.Model.LabelsPath = envStr("LABELS_PATH", c.Model.LabelsPath)
	c.Model.LabelsURL = envStr("LABELS_URL", c.Model.LabelsURL)
	c.Model.CacheDir = envStr("MODEL_CACHE_DIR", c.Model.CacheDir)
	c.Runtime.LibraryPath = envStr("ONNXRUNTIME_LIB", c.Runtime.LibraryPath)

	if size := envStr("POOL_SIZE", ""); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("POOL_SIZE: %w", err)
		}
		c.Model.PoolSize = n
	}
	if envBool("DEBUG") {
		c.Log.Level = "debug"
	}
	return nil
}

func (c *Config) validate() error {
	if c.Preprocess.Width <= 0 || c.Preprocess.Height <= 0 {
		return fmt.Errorf("preprocess size must be positive, got %dx%d", c.Preprocess.Width, c.Preprocess.Height)
	}
	if c.Model.NumClasses <= 0 {
		return fmt.Errorf("model.num_classes must be positive, got %d", c.Model.NumClasses)
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.Model.LabelsPath == "" {
		return fmt.Errorf("model.labels_path is required")
	}
	return nil
}

func envStr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}
