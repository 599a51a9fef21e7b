package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Cally99/go-resumable/uploader/metastore"
	"github.com/Cally99/go-resumable/uploader/network"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const defaultProbeInterval = 15 * time.Second

// Config is the resolved engine configuration.
type Config struct {
	// APIBaseURL is the upload service base URL.
	APIBaseURL string
	// DataDir is where the persisted state and the blob store live.
	DataDir string
	// ChunkSize in bytes; the server may still override it per upload.
	ChunkSize int64
	// AutoResumeOnReload resumes rehydrated uploads on startup.
	AutoResumeOnReload bool
	// ProbeInterval is the connectivity poll cadence.
	ProbeInterval time.Duration
}

type configInput struct {
	APIBaseURL    string `env:"RESUMABLE_API_URL"`
	DataDir       string `env:"RESUMABLE_DATA_DIR"`
	ChunkSize     string `env:"RESUMABLE_CHUNK_SIZE"`
	AutoResume    string `env:"RESUMABLE_AUTO_RESUME"`
	ProbeInterval string `env:"RESUMABLE_PROBE_INTERVAL"`
}

// ParseConfig reads the configuration from the environment and fills in
// defaults. The chunk size accepts human-readable values like "5MiB".
func ParseConfig(envRepo env.Repository) (Config, error) {
	var input configInput
	if err := stepconf.NewInputParser(envRepo).Parse(&input); err != nil {
		return Config{}, fmt.Errorf("failed to parse inputs: %w", err)
	}

	config := Config{
		APIBaseURL:         input.APIBaseURL,
		DataDir:            input.DataDir,
		ChunkSize:          metastore.DefaultChunkSize,
		AutoResumeOnReload: true,
		ProbeInterval:      defaultProbeInterval,
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = network.DefaultBaseURL
	}

	if config.DataDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return Config{}, fmt.Errorf("no data dir configured and no user cache dir available: %w", err)
		}
		config.DataDir = filepath.Join(cacheDir, "go-resumable")
	}

	if input.ChunkSize != "" {
		size, err := units.RAMInBytes(input.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("invalid chunk size %q: %w", input.ChunkSize, err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("chunk size must be positive, got %q", input.ChunkSize)
		}
		config.ChunkSize = size
	}

	if input.AutoResume != "" {
		autoResume, err := strconv.ParseBool(input.AutoResume)
		if err != nil {
			return Config{}, fmt.Errorf("invalid auto-resume flag %q: %w", input.AutoResume, err)
		}
		config.AutoResumeOnReload = autoResume
	}

	if input.ProbeInterval != "" {
		interval, err := time.ParseDuration(input.ProbeInterval)
		if err != nil {
			return Config{}, fmt.Errorf("invalid probe interval %q: %w", input.ProbeInterval, err)
		}
		config.ProbeInterval = interval
	}

	return config, nil
}
