package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/experiment-results/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyComplete = errors.New("results request already complete")
)

// ExperimentRepository looks up registered experiments.
type ExperimentRepository interface {
	CreateExperiment(ctx context.Context, experiment domain.Experiment) error
	GetExperiment(ctx context.Context, id string) (domain.Experiment, error)
	FindByHash(ctx context.Context, hash string) ([]domain.Experiment, error)
	FindByHashAndAlgorithmID(ctx context.Context, hash, algorithmID string) ([]domain.Experiment, error)
}

// OutputRepository manages experiment output records.
type OutputRepository interface {
	CreateOutput(ctx context.Context, output domain.ExperimentOutput) error
	GetOutput(ctx context.Context, experimentID, id string) (domain.ExperimentOutput, error)
	// ListOutputsByExperiment returns outputs ordered by update time, oldest first.
	ListOutputsByExperiment(ctx context.Context, experimentID string) ([]domain.ExperimentOutput, error)
	TouchOutput(ctx context.Context, experimentID, id string, updatedAt time.Time) error
}

// DataRepositoryRepository manages encrypted data-repository configurations.
type DataRepositoryRepository interface {
	CreateDataRepository(ctx context.Context, cfg domain.DataRepositoryConfiguration) error
	GetDataRepository(ctx context.Context, id string) (domain.DataRepositoryConfiguration, error)
}

// CompletionAudit describes who completed a results request, for the audit trail.
type CompletionAudit struct {
	Actor string
	// RequestID is the HTTP request id that caused the completion. It is
	// empty when the pipeline completes a request on its own.
	RequestID string
	Service   string
	// ExperimentIDs lists the experiments that contributed an entry. Each one
	// is recorded as a lineage edge from the request.
	ExperimentIDs []string
}

// ResultsRequestRepository owns results requests and their result entries.
type ResultsRequestRepository interface {
	CreateResultsRequest(ctx context.Context, req domain.ResultsRequest) error
	GetResultsRequest(ctx context.Context, id string) (domain.ResultsRequest, error)
	// CompleteResultsRequest persists results and flips a pending request to
	// complete in one write. It returns ErrAlreadyComplete if the request was
	// no longer pending.
	CompleteResultsRequest(ctx context.Context, completed domain.ResultsRequest, audit CompletionAudit) error
}
