package results

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/cipher"
	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/env"
	"gopkg.in/yaml.v3"
)

// SelectionPolicy picks one output from an experiment's outputs ordered
// oldest first.
type SelectionPolicy string

const (
	SelectOldestFirst SelectionPolicy = "oldest-first"
	SelectNewestFirst SelectionPolicy = "newest-first"
)

func ParseSelectionPolicy(value string) (SelectionPolicy, error) {
	switch SelectionPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", SelectOldestFirst:
		return SelectOldestFirst, nil
	case SelectNewestFirst:
		return SelectNewestFirst, nil
	default:
		return "", fmt.Errorf("unsupported output selection policy: %q", value)
	}
}

type Config struct {
	Service                   string
	HashFormat                domain.HashFormat
	OutputSelection           SelectionPolicy
	RequireDeploymentComplete bool
	OutputTypeBranches        bool
	DecryptTimeout            time.Duration
	FetchTimeout              time.Duration
	MaxPayloadBytes           int64
	TimeoutHours              float64
	CipherSecret              string
	CipherIterations          int
}

func DefaultConfig() Config {
	return Config{
		Service:          "results",
		HashFormat:       domain.HashFormatLegacy,
		OutputSelection:  SelectOldestFirst,
		DecryptTimeout:   2 * time.Second,
		FetchTimeout:     30 * time.Second,
		MaxPayloadBytes:  64 << 20,
		TimeoutHours:     24,
		CipherIterations: cipher.DefaultIterations,
	}
}

// Timeout is the request age after which runs do no work.
func (c Config) Timeout() time.Duration {
	return domain.TimeoutFromHours(c.TimeoutHours)
}

func (c Config) Validate() error {
	if _, err := domain.ParseHashFormat(string(c.HashFormat)); err != nil {
		return err
	}
	if _, err := ParseSelectionPolicy(string(c.OutputSelection)); err != nil {
		return err
	}
	if c.DecryptTimeout <= 0 {
		return errors.New("RESULTS_DECRYPT_TIMEOUT must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("RESULTS_FETCH_TIMEOUT must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("RESULTS_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.TimeoutHours <= 0 {
		return errors.New("RESULTS_TIMEOUT_HOURS must be positive")
	}
	if strings.TrimSpace(c.CipherSecret) == "" {
		return errors.New("RESULTS_CIPHER_SECRET is required")
	}
	if c.CipherIterations <= 0 {
		return errors.New("RESULTS_CIPHER_ITERATIONS must be positive")
	}
	return nil
}

// fileConfig is the pipeline section of the optional YAML config file.
type fileConfig struct {
	Pipeline struct {
		HashFormat                *string  `yaml:"hash_format"`
		OutputSelection           *string  `yaml:"output_selection"`
		RequireDeploymentComplete *bool    `yaml:"require_deployment_complete"`
		OutputTypeBranches        *bool    `yaml:"output_type_branches"`
		DecryptTimeout            *string  `yaml:"decrypt_timeout"`
		FetchTimeout              *string  `yaml:"fetch_timeout"`
		MaxPayloadBytes           *int64   `yaml:"max_payload_bytes"`
		TimeoutHours              *float64 `yaml:"timeout_hours"`
		CipherIterations          *int     `yaml:"cipher_iterations"`
	} `yaml:"pipeline"`
}

// ApplyFile overlays the pipeline section of a YAML file onto c.
func (c Config) ApplyFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	p := fc.Pipeline
	if p.HashFormat != nil {
		c.HashFormat = domain.HashFormat(*p.HashFormat)
	}
	if p.OutputSelection != nil {
		c.OutputSelection = SelectionPolicy(*p.OutputSelection)
	}
	if p.RequireDeploymentComplete != nil {
		c.RequireDeploymentComplete = *p.RequireDeploymentComplete
	}
	if p.OutputTypeBranches != nil {
		c.OutputTypeBranches = *p.OutputTypeBranches
	}
	if p.DecryptTimeout != nil {
		if c.DecryptTimeout, err = time.ParseDuration(*p.DecryptTimeout); err != nil {
			return Config{}, fmt.Errorf("parse decrypt_timeout: %w", err)
		}
	}
	if p.FetchTimeout != nil {
		if c.FetchTimeout, err = time.ParseDuration(*p.FetchTimeout); err != nil {
			return Config{}, fmt.Errorf("parse fetch_timeout: %w", err)
		}
	}
	if p.MaxPayloadBytes != nil {
		c.MaxPayloadBytes = *p.MaxPayloadBytes
	}
	if p.TimeoutHours != nil {
		c.TimeoutHours = *p.TimeoutHours
	}
	if p.CipherIterations != nil {
		c.CipherIterations = *p.CipherIterations
	}
	return c, nil
}

// ConfigFromEnv starts from the defaults, applies RESULTS_CONFIG_FILE when set
// and then environment variables, which win over the file.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(env.String("RESULTS_CONFIG_FILE", "")); path != "" {
		var err error
		if cfg, err = cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}

	hashFormat, err := domain.ParseHashFormat(env.String("RESULTS_HASH_FORMAT", string(cfg.HashFormat)))
	if err != nil {
		return Config{}, err
	}
	selection, err := ParseSelectionPolicy(env.String("RESULTS_OUTPUT_SELECTION", string(cfg.OutputSelection)))
	if err != nil {
		return Config{}, err
	}
	requireDeployment, err := env.Bool("RESULTS_REQUIRE_DEPLOYMENT_COMPLETE", cfg.RequireDeploymentComplete)
	if err != nil {
		return Config{}, err
	}
	branches, err := env.Bool("RESULTS_OUTPUT_TYPE_BRANCHES", cfg.OutputTypeBranches)
	if err != nil {
		return Config{}, err
	}
	decryptTimeout, err := env.Duration("RESULTS_DECRYPT_TIMEOUT", cfg.DecryptTimeout)
	if err != nil {
		return Config{}, err
	}
	fetchTimeout, err := env.Duration("RESULTS_FETCH_TIMEOUT", cfg.FetchTimeout)
	if err != nil {
		return Config{}, err
	}
	maxPayload, err := env.Int64("RESULTS_MAX_PAYLOAD_BYTES", cfg.MaxPayloadBytes)
	if err != nil {
		return Config{}, err
	}
	timeoutHours, err := env.Float("RESULTS_TIMEOUT_HOURS", cfg.TimeoutHours)
	if err != nil {
		return Config{}, err
	}
	iterations, err := env.Int("RESULTS_CIPHER_ITERATIONS", cfg.CipherIterations)
	if err != nil {
		return Config{}, err
	}

	cfg.Service = env.String("RESULTS_SERVICE_NAME", cfg.Service)
	cfg.HashFormat = hashFormat
	cfg.OutputSelection = selection
	cfg.RequireDeploymentComplete = requireDeployment
	cfg.OutputTypeBranches = branches
	cfg.DecryptTimeout = decryptTimeout
	cfg.FetchTimeout = fetchTimeout
	cfg.MaxPayloadBytes = maxPayload
	cfg.TimeoutHours = timeoutHours
	cfg.CipherSecret = env.String("RESULTS_CIPHER_SECRET", "")
	cfg.CipherIterations = iterations
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
