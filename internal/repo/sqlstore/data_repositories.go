package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/repo"
)

type DataRepositoryStore struct {
	db database.Conn
}

func NewDataRepositoryStore(db database.Conn) *DataRepositoryStore {
	if db == nil {
		return nil
	}
	return &DataRepositoryStore{db: db}
}

func (s *DataRepositoryStore) CreateDataRepository(ctx context.Context, cfg domain.DataRepositoryConfiguration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("data repository store not initialized")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO data_repositories (
			data_repository_id,
			name,
			encrypted_credentials,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(cfg.ID),
		strings.TrimSpace(cfg.Name),
		cfg.EncryptedCredentials,
		toMillis(cfg.CreatedAt),
		strings.TrimSpace(cfg.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert data repository: %w", err)
	}
	return nil
}

func (s *DataRepositoryStore) GetDataRepository(ctx context.Context, id string) (domain.DataRepositoryConfiguration, error) {
	if s == nil || s.db == nil {
		return domain.DataRepositoryConfiguration{}, fmt.Errorf("data repository store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.DataRepositoryConfiguration{}, fmt.Errorf("data repository id is required")
	}
	var (
		cfg       domain.DataRepositoryConfiguration
		createdAt int64
	)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT data_repository_id, name, encrypted_credentials, created_at, created_by
		 FROM data_repositories
		 WHERE data_repository_id = $1`,
		id,
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.EncryptedCredentials, &createdAt, &cfg.CreatedBy); err != nil {
		return domain.DataRepositoryConfiguration{}, handleNotFound(err)
	}
	cfg.CreatedAt = fromMillis(createdAt)
	return cfg, nil
}
