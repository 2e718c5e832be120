package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/repo"
)

type ExperimentStore struct {
	db database.Conn
}

func NewExperimentStore(db database.Conn) *ExperimentStore {
	if db == nil {
		return nil
	}
	return &ExperimentStore{db: db}
}

const experimentColumns = `experiment_id, name, location_id, executor_id, algorithm_id, hash, hash_format, created_at, created_by`

func (s *ExperimentStore) CreateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("experiment store not initialized")
	}
	if err := experiment.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO experiments (`+experimentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(experiment.ID),
		strings.TrimSpace(experiment.Name),
		strings.TrimSpace(experiment.LocationID),
		strings.TrimSpace(experiment.ExecutorID),
		strings.TrimSpace(experiment.AlgorithmID),
		strings.TrimSpace(experiment.Hash),
		string(experiment.HashFormat),
		toMillis(experiment.CreatedAt),
		strings.TrimSpace(experiment.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func (s *ExperimentStore) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Experiment{}, fmt.Errorf("experiment id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = $1`, id)
	experiment, err := scanExperiment(row)
	if err != nil {
		return domain.Experiment{}, handleNotFound(err)
	}
	return experiment, nil
}

// FindByHash returns every experiment with hash, in creation order.
func (s *ExperimentStore) FindByHash(ctx context.Context, hash string) ([]domain.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("experiment store not initialized")
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, fmt.Errorf("hash is required")
	}
	return s.list(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE hash = $1 ORDER BY created_at ASC, experiment_id ASC`,
		hash,
	)
}

func (s *ExperimentStore) FindByHashAndAlgorithmID(ctx context.Context, hash, algorithmID string) ([]domain.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("experiment store not initialized")
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, fmt.Errorf("hash is required")
	}
	return s.list(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE hash = $1 AND algorithm_id = $2 ORDER BY created_at ASC, experiment_id ASC`,
		hash,
		strings.TrimSpace(algorithmID),
	)
}

func (s *ExperimentStore) list(ctx context.Context, query string, args ...any) ([]domain.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query experiments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Experiment, 0)
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var (
		experiment domain.Experiment
		hashFormat string
		createdAt  int64
	)
	if err := row.Scan(
		&experiment.ID,
		&experiment.Name,
		&experiment.LocationID,
		&experiment.ExecutorID,
		&experiment.AlgorithmID,
		&experiment.Hash,
		&hashFormat,
		&createdAt,
		&experiment.CreatedBy,
	); err != nil {
		return domain.Experiment{}, err
	}
	experiment.HashFormat = domain.HashFormat(hashFormat)
	experiment.CreatedAt = fromMillis(createdAt)
	return experiment, nil
}
