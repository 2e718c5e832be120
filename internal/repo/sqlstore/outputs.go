package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/repo"
)

type OutputStore struct {
	db database.Conn
}

func NewOutputStore(db database.Conn) *OutputStore {
	if db == nil {
		return nil
	}
	return &OutputStore{db: db}
}

const outputColumns = `output_id, experiment_id, output_type, artifact_name, artifact_key, data_repository_id, updated_at`

func (s *OutputStore) CreateOutput(ctx context.Context, output domain.ExperimentOutput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	if err := output.Validate(); err != nil {
		return err
	}
	var artifactName, artifactKey, dataRepositoryID sql.NullString
	if output.Metadata != nil {
		artifactName = nullIfEmpty(output.Metadata.ArtifactName)
		artifactKey = nullIfEmpty(output.Metadata.ArtifactKey)
		dataRepositoryID = nullIfEmpty(output.Metadata.DataRepositoryID)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO experiment_outputs (`+outputColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(output.ID),
		strings.TrimSpace(output.ExperimentID),
		string(output.Type),
		artifactName,
		artifactKey,
		dataRepositoryID,
		toMillis(output.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

func (s *OutputStore) GetOutput(ctx context.Context, experimentID, id string) (domain.ExperimentOutput, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentOutput{}, fmt.Errorf("output store not initialized")
	}
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return domain.ExperimentOutput{}, fmt.Errorf("experiment id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExperimentOutput{}, fmt.Errorf("output id is required")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outputColumns+` FROM experiment_outputs WHERE experiment_id = $1 AND output_id = $2`,
		experimentID,
		id,
	)
	output, err := scanOutput(row)
	if err != nil {
		return domain.ExperimentOutput{}, handleNotFound(err)
	}
	return output, nil
}

func (s *OutputStore) ListOutputsByExperiment(ctx context.Context, experimentID string) ([]domain.ExperimentOutput, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("output store not initialized")
	}
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return nil, fmt.Errorf("experiment id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outputColumns+` FROM experiment_outputs WHERE experiment_id = $1 ORDER BY updated_at ASC, output_id ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExperimentOutput, 0)
	for rows.Next() {
		output, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out = append(out, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return out, nil
}

func (s *OutputStore) TouchOutput(ctx context.Context, experimentID, id string, updatedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiment_outputs SET updated_at = $1 WHERE experiment_id = $2 AND output_id = $3`,
		toMillis(updatedAt),
		strings.TrimSpace(experimentID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("touch output: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch output: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanOutput(row rowScanner) (domain.ExperimentOutput, error) {
	var (
		output                                      domain.ExperimentOutput
		outputType                                  string
		artifactName, artifactKey, dataRepositoryID sql.NullString
		updatedAt                                   int64
	)
	if err := row.Scan(
		&output.ID,
		&output.ExperimentID,
		&outputType,
		&artifactName,
		&artifactKey,
		&dataRepositoryID,
		&updatedAt,
	); err != nil {
		return domain.ExperimentOutput{}, err
	}
	output.Type = domain.OutputType(outputType)
	output.UpdatedAt = fromMillis(updatedAt)
	if artifactKey.Valid {
		output.Metadata = &domain.OutputMetadata{
			ArtifactName:     artifactName.String,
			ArtifactKey:      artifactKey.String,
			DataRepositoryID: dataRepositoryID.String,
		}
	}
	return output, nil
}
