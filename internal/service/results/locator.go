package results

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/repo"
)

// SkipReason explains why a candidate experiment contributed no entry.
type SkipReason string

const (
	SkipExperimentNotFound     SkipReason = "experiment_not_found"
	SkipLookupFailed           SkipReason = "lookup_failed"
	SkipNoOutput               SkipReason = "no_output"
	SkipNoMetadata             SkipReason = "no_metadata"
	SkipDataRepositoryNotFound SkipReason = "data_repository_not_found"
	SkipDeploymentIncomplete   SkipReason = "deployment_incomplete"
	SkipDeploymentCheckFailed  SkipReason = "deployment_check_failed"
	SkipDecryptTimeout         SkipReason = "decrypt_timeout"
	SkipDecryptFailed          SkipReason = "decrypt_failed"
	SkipCredentialsInvalid     SkipReason = "credentials_invalid"
	SkipFetchTimeout           SkipReason = "fetch_timeout"
	SkipArtifactNotFound       SkipReason = "artifact_not_found"
	SkipPayloadTooLarge        SkipReason = "payload_too_large"
	SkipFetchFailed            SkipReason = "fetch_failed"
	SkipPayloadInvalid         SkipReason = "payload_invalid"
)

// DeploymentChecker reports whether an experiment's job deployment finished.
type DeploymentChecker interface {
	Completed(ctx context.Context, experimentID string) (bool, error)
}

// located is a candidate that is ready to be fetched.
type located struct {
	Experiment     domain.Experiment
	Output         domain.ExperimentOutput
	DataRepository domain.DataRepositoryConfiguration
}

type locator struct {
	experiments       repo.ExperimentRepository
	outputs           repo.OutputRepository
	dataRepositories  repo.DataRepositoryRepository
	deployments       DeploymentChecker
	policy            SelectionPolicy
	requireDeployment bool
}

func (l locator) locate(ctx context.Context, experimentID string) (located, SkipReason, error) {
	experiment, err := l.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return located{}, SkipExperimentNotFound, err
		}
		return located{}, SkipLookupFailed, err
	}

	outputs, err := l.outputs.ListOutputsByExperiment(ctx, experiment.ID)
	if err != nil {
		return located{}, SkipLookupFailed, err
	}
	output, ok := selectOutput(outputs, l.policy)
	if !ok {
		return located{}, SkipNoOutput, nil
	}
	if output.Metadata == nil || strings.TrimSpace(output.Metadata.ArtifactKey) == "" {
		return located{}, SkipNoMetadata, nil
	}
	if strings.TrimSpace(output.Metadata.DataRepositoryID) == "" {
		return located{}, SkipDataRepositoryNotFound, nil
	}
	dataRepository, err := l.dataRepositories.GetDataRepository(ctx, output.Metadata.DataRepositoryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return located{}, SkipDataRepositoryNotFound, err
		}
		return located{}, SkipLookupFailed, err
	}

	if l.requireDeployment {
		if l.deployments == nil {
			return located{}, SkipDeploymentCheckFailed, fmt.Errorf("deployment checker not configured")
		}
		done, err := l.deployments.Completed(ctx, experiment.ID)
		if err != nil {
			return located{}, SkipDeploymentCheckFailed, err
		}
		if !done {
			return located{}, SkipDeploymentIncomplete, nil
		}
	}

	return located{Experiment: experiment, Output: output, DataRepository: dataRepository}, "", nil
}

// selectOutput applies policy to outputs ordered by update time, oldest first.
func selectOutput(outputs []domain.ExperimentOutput, policy SelectionPolicy) (domain.ExperimentOutput, bool) {
	if len(outputs) == 0 {
		return domain.ExperimentOutput{}, false
	}
	if policy == SelectNewestFirst {
		return outputs[len(outputs)-1], true
	}
	return outputs[0], true
}
