// Package config loads reelfetch settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/utils"
	"gopkg.in/yaml.v3"
)

// Size is a byte count that accepts "512KB", "1MB" or plain integers.
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := utils.ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %v", value.Line, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return strconv.FormatInt(int64(s), 10), nil
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`

	// Memory is the slab ceiling. Zero sizes it to Capacity chunks, which
	// keeps the pool as full as the ring so memory optimisation can trigger.
	Memory           Size `yaml:"memory"`
	EnablePreloading bool `yaml:"preload"`
	PreloadCount     int  `yaml:"preload_count"`
}

type FetchConfig struct {
	ChunkSize        Size          `yaml:"chunk_size"`
	Concurrency      int           `yaml:"concurrency"`
	Retries          int           `yaml:"retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Timeout          time.Duration `yaml:"timeout"`
	Workers          int           `yaml:"workers"`
	UseRanges        bool          `yaml:"ranges"`
	KeyframeInterval int           `yaml:"keyframe_interval"`
}

type HTTPConfig struct {
	UserAgent string            `yaml:"user_agent"`
	Proxy     string            `yaml:"proxy"`
	KeepAlive time.Duration     `yaml:"keep_alive"`
	Headers   map[string]string `yaml:"headers"`
}

type Config struct {
	Buffer BufferConfig `yaml:"buffer"`
	Fetch  FetchConfig  `yaml:"fetch"`
	HTTP   HTTPConfig   `yaml:"http"`
}

func Default() Config {
	return Config{
		Buffer: BufferConfig{
			Capacity:     32,
			PreloadCount: 3,
		},
		Fetch: FetchConfig{
			ChunkSize:   utils.DefaultChunkSize,
			Concurrency: 4,
			Retries:     3,
			RetryDelay:  500 * time.Millisecond,
			Timeout:     utils.DefaultRequestTimeout,
			Workers:     8,
			UseRanges:   true,
		},
		HTTP: HTTPConfig{
			UserAgent: utils.ToolUserAgent,
			KeepAlive: 60 * time.Second,
		},
	}
}

// Load reads path on top of Default. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer.capacity must be positive"))
	}
	if c.Fetch.ChunkSize <= 0 {
		errs = append(errs, errors.New("fetch.chunk_size must be positive"))
	}
	if c.Buffer.Memory < 0 {
		errs = append(errs, errors.New("buffer.memory must not be negative"))
	} else if c.Buffer.Memory != 0 && c.Buffer.Memory < c.Fetch.ChunkSize {
		errs = append(errs, fmt.Errorf("buffer.memory (%d) must hold at least one chunk (%d)", c.Buffer.Memory, c.Fetch.ChunkSize))
	}
	if c.Fetch.Concurrency <= 0 {
		errs = append(errs, errors.New("fetch.concurrency must be positive"))
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, errors.New("fetch.retries must not be negative"))
	}
	if c.Fetch.Workers <= 0 {
		errs = append(errs, errors.New("fetch.workers must be positive"))
	}
	return errors.Join(errs...)
}

// RingBuffer maps the file settings onto a ring buffer configuration. The
// slab block size equals the fetch chunk size so every chunk fits a block.
func (c Config) RingBuffer() ringbuffer.Config {
	return ringbuffer.Config{
		MaxChunks:        c.Buffer.Capacity,
		MaxMemoryBytes:   int(c.MemoryBytes()),
		ChunkSize:        int(c.Fetch.ChunkSize),
		EnablePreloading: c.Buffer.EnablePreloading,
		PreloadCount:     c.Buffer.PreloadCount,
	}
}

// MemoryBytes is the configured ceiling, or capacity × chunk size when unset.
func (c Config) MemoryBytes() Size {
	if c.Buffer.Memory > 0 {
		return c.Buffer.Memory
	}
	return Size(c.Buffer.Capacity) * c.Fetch.ChunkSize
}

func (c Config) HTTPClient() utils.HTTPClientConfig {
	headers := make(map[string]string, len(c.HTTP.Headers))
	for k, v := range c.HTTP.Headers {
		headers[k] = v
	}
	return utils.HTTPClientConfig{
		Timeout:   c.Fetch.Timeout,
		KATimeout: c.HTTP.KeepAlive,
		ProxyURL:  c.HTTP.Proxy,
		UserAgent: c.HTTP.UserAgent,
		Headers:   headers,
	}
}
