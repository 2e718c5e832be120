package domain

import (
	"errors"
	"strings"
	"time"
)

// Experiment is a registered (location, executor[, algorithm]) combination.
// ExecutorID holds the selected post-executor, which is what the hash covers.
type Experiment struct {
	ID          string
	Name        string
	LocationID  string
	ExecutorID  string
	AlgorithmID string
	Hash        string
	HashFormat  HashFormat
	CreatedAt   time.Time
	CreatedBy   string
}

func (e Experiment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("experiment id is required")
	}
	if strings.TrimSpace(e.LocationID) == "" {
		return errors.New("location id is required")
	}
	if strings.TrimSpace(e.ExecutorID) == "" {
		return errors.New("executor id is required")
	}
	if strings.TrimSpace(e.Hash) == "" {
		return errors.New("experiment hash is required")
	}
	return nil
}

// OutputType tags the kind of artifact an experiment output points at.
type OutputType string

const (
	OutputTypeExecutionResponse OutputType = "EXECUTION_RESPONSE"
	OutputTypeRewardResponse    OutputType = "REWARD_RESPONSE"
	OutputTypeOutputResponse    OutputType = "OUTPUT_RESPONSE"
)

func ParseOutputType(value string) (OutputType, error) {
	switch OutputType(strings.ToUpper(strings.TrimSpace(value))) {
	case "", OutputTypeExecutionResponse:
		return OutputTypeExecutionResponse, nil
	case OutputTypeRewardResponse:
		return OutputTypeRewardResponse, nil
	case OutputTypeOutputResponse:
		return OutputTypeOutputResponse, nil
	default:
		return "", errors.New("unsupported output type: " + value)
	}
}

// OutputMetadata locates the artifact and the credentials needed to read it.
type OutputMetadata struct {
	ArtifactName     string `json:"artifact_name"`
	ArtifactKey      string `json:"artifact_key"`
	DataRepositoryID string `json:"data_repository_id,omitempty"`
}

// ExperimentOutput records an artifact produced by an experiment.
type ExperimentOutput struct {
	ID           string
	ExperimentID string
	Type         OutputType
	UpdatedAt    time.Time
	Metadata     *OutputMetadata
}

func (o ExperimentOutput) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("output id is required")
	}
	if strings.TrimSpace(o.ExperimentID) == "" {
		return errors.New("experiment id is required")
	}
	if o.Metadata != nil && strings.TrimSpace(o.Metadata.ArtifactKey) == "" {
		return errors.New("artifact key is required")
	}
	return nil
}

// DataRepositoryConfiguration holds encrypted object-store credentials.
type DataRepositoryConfiguration struct {
	ID                   string
	Name                 string
	EncryptedCredentials string
	CreatedAt            time.Time
	CreatedBy            string
}

func (c DataRepositoryConfiguration) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("data repository id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("data repository name is required")
	}
	if strings.TrimSpace(c.EncryptedCredentials) == "" {
		return errors.New("encrypted credentials are required")
	}
	return nil
}
