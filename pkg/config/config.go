package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"dmorch/pkg/backend"
)

// DefaultPath is where every daemon looks for its configuration unless
// told otherwise on the command line.
const DefaultPath = "/etc/dmorch/config.json"

// BackendConfig is one entry of the "backends" block. Field names follow
// the configuration file's uppercase convention.
type BackendConfig struct {
	Kind              string `json:"KIND"`
	VerifyDir         string `json:"VERIFY_DIR,omitempty"`
	ArchiveStagingDir string `json:"ARCHIVE_STAGING_DIR,omitempty"`
	FTPEndpoint       string `json:"FTP_ENDPOINT,omitempty"`
	S3Endpoint        string `json:"S3_ENDPOINT,omitempty"`
	PutHost           string `json:"PUT_HOST,omitempty"`
	GetHost           string `json:"GET_HOST,omitempty"`
	Port              int    `json:"PORT,omitempty"`
	ObjectSize        int64  `json:"OBJECT_SIZE,omitempty"`
	ObjectCount       int    `json:"OBJECT_COUNT,omitempty"`
	Threads           int    `json:"THREADS,omitempty"`
	UseTLS            bool   `json:"USE_TLS,omitempty"`
	Bucket            string `json:"BUCKET,omitempty"`
	CredentialsFile   string `json:"CREDENTIALS_FILE,omitempty"`
}

// Endpoint returns whichever of the per-protocol endpoint options is set.
// PUT_HOST wins over GET_HOST when both are present; backends that need
// them separately read the fields directly.
func (b *BackendConfig) Endpoint() string {
	for _, e := range []string{b.FTPEndpoint, b.S3Endpoint, b.PutHost, b.GetHost} {
		if e != "" {
			return e
		}
	}
	return ""
}

// ProcessConfig is one entry of the "processes" block, keyed by daemon
// name (lock, pack, transfer, monitor, verify).
type ProcessConfig struct {
	Threads  int    `json:"THREADS,omitempty"`
	LogLevel string `json:"LOG_LEVEL,omitempty"`
	RunEvery int    `json:"RUN_EVERY,omitempty"` // seconds
}

// Config is the whole configuration file.
type Config struct {
	DataDir     string                   `json:"DATA_DIR,omitempty"`
	KeyFile     string                   `json:"KEY_FILE,omitempty"`
	StagingDir  string                   `json:"STAGING_DIR,omitempty"`
	VerifyDir   string                   `json:"VERIFY_DIR,omitempty"`
	MetricsAddr string                   `json:"METRICS_ADDR,omitempty"`
	Backends    map[string]BackendConfig `json:"backends"`
	Processes   map[string]ProcessConfig `json:"processes"`
}

// Load reads and validates the configuration file at path. An empty path
// falls back to DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the parts every daemon relies on.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}
	for id, b := range c.Backends {
		if b.Kind == "" {
			return fmt.Errorf("backend %q has no KIND", id)
		}
	}
	return nil
}

// BackendIDs returns the configured backend ids in no particular order.
func (c *Config) BackendIDs() []string {
	ids := make([]string, 0, len(c.Backends))
	for id := range c.Backends {
		ids = append(ids, id)
	}
	return ids
}

// ToBackendConfig translates the JSON block for id into the struct the
// backend registry consumes.
func (c *Config) ToBackendConfig(id string) (backend.Config, error) {
	b, ok := c.Backends[id]
	if !ok {
		return backend.Config{}, fmt.Errorf("backend %q not configured", id)
	}
	return backend.Config{
		ID:                id,
		VerifyDir:         b.VerifyDir,
		ArchiveStagingDir: b.ArchiveStagingDir,
		Endpoint:          b.Endpoint(),
		Port:              b.Port,
		ObjectSize:        b.ObjectSize,
		ObjectCount:       b.ObjectCount,
		Threads:           b.Threads,
		UseTLS:            b.UseTLS,
		Bucket:            b.Bucket,
	}, nil
}

// Process returns the block for the named daemon with defaults filled in:
// THREADS 4, LOG_LEVEL info, RUN_EVERY 5 seconds.
func (c *Config) Process(name string) ProcessConfig {
	p := c.Processes[name]
	if p.Threads < 1 {
		p.Threads = 4
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	if p.RunEvery < 1 {
		p.RunEvery = 5
	}
	return p
}

// RunEvery is Process(name).RunEvery as a duration.
func (c *Config) RunEvery(name string) time.Duration {
	return time.Duration(c.Process(name).RunEvery) * time.Second
}
