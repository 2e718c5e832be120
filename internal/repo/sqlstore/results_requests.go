package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/auditlog"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/platform/lineageevent"
	"github.com/animus-labs/experiment-results/internal/repo"
)

// ResultsRequestStore keeps its own *sql.DB because completion runs in a
// transaction together with the audit event.
type ResultsRequestStore struct {
	db     *sql.DB
	driver database.Driver
}

func NewResultsRequestStore(db *sql.DB, driver database.Driver) *ResultsRequestStore {
	if db == nil {
		return nil
	}
	return &ResultsRequestStore{db: db, driver: driver}
}

func (s *ResultsRequestStore) conn() database.Conn {
	return database.Bind(s.driver, s.db)
}

func (s *ResultsRequestStore) CreateResultsRequest(ctx context.Context, req domain.ResultsRequest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("results request store not initialized")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Completed() {
		return fmt.Errorf("results request must be created pending")
	}
	modeJSON, err := domain.EncodeMode(req.Mode)
	if err != nil {
		return fmt.Errorf("encode mode: %w", err)
	}
	_, err = s.conn().ExecContext(
		ctx,
		`INSERT INTO results_requests (
			request_id,
			mode_kind,
			mode,
			status,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(req.ID),
		string(req.Mode.Kind()),
		string(modeJSON),
		string(domain.RequestStatePending),
		toMillis(req.CreatedAt),
		strings.TrimSpace(req.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert results request: %w", err)
	}
	return nil
}

func (s *ResultsRequestStore) GetResultsRequest(ctx context.Context, id string) (domain.ResultsRequest, error) {
	if s == nil || s.db == nil {
		return domain.ResultsRequest{}, fmt.Errorf("results request store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ResultsRequest{}, fmt.Errorf("results request id is required")
	}
	var (
		req         domain.ResultsRequest
		modeKind    string
		modeJSON    string
		status      string
		createdAt   int64
		completedAt sql.NullInt64
		resultsJSON sql.NullString
	)
	row := s.conn().QueryRowContext(
		ctx,
		`SELECT request_id, mode_kind, mode, status, created_at, completed_at, created_by, results
		 FROM results_requests
		 WHERE request_id = $1`,
		id,
	)
	if err := row.Scan(&req.ID, &modeKind, &modeJSON, &status, &createdAt, &completedAt, &req.CreatedBy, &resultsJSON); err != nil {
		return domain.ResultsRequest{}, handleNotFound(err)
	}
	mode, err := domain.DecodeMode(domain.ModeKind(modeKind), []byte(modeJSON))
	if err != nil {
		return domain.ResultsRequest{}, err
	}
	req.Mode = mode
	req.Status = domain.NormalizeRequestState(status)
	req.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		req.CompletedAt = &t
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &req.Results); err != nil {
			return domain.ResultsRequest{}, fmt.Errorf("decode results: %w", err)
		}
	}
	return req, nil
}

// CompleteResultsRequest writes the results and the completion audit event in
// one transaction. The update only matches pending rows, so a second
// completion affects nothing and reports ErrAlreadyComplete.
func (s *ResultsRequestStore) CompleteResultsRequest(ctx context.Context, completed domain.ResultsRequest, audit repo.CompletionAudit) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("results request store not initialized")
	}
	if err := completed.Validate(); err != nil {
		return err
	}
	if !completed.Completed() || completed.CompletedAt == nil {
		return fmt.Errorf("results request is not complete")
	}
	if len(completed.Results) == 0 {
		return domain.ErrNoResults
	}
	resultsJSON, err := json.Marshal(completed.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	conn := database.Bind(s.driver, tx)

	res, err := conn.ExecContext(
		ctx,
		`UPDATE results_requests
		 SET status = $1, completed_at = $2, results = $3
		 WHERE request_id = $4 AND status = $5`,
		string(domain.RequestStateComplete),
		toMillis(*completed.CompletedAt),
		string(resultsJSON),
		strings.TrimSpace(completed.ID),
		string(domain.RequestStatePending),
	)
	if err != nil {
		return fmt.Errorf("complete results request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete results request: %w", err)
	}
	if affected == 0 {
		var status string
		err := conn.QueryRowContext(ctx, `SELECT status FROM results_requests WHERE request_id = $1`, strings.TrimSpace(completed.ID)).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load results request status: %w", err)
		}
		return repo.ErrAlreadyComplete
	}

	actor := strings.TrimSpace(audit.Actor)
	if actor == "" {
		actor = "system"
	}
	_, err = auditlog.Insert(ctx, conn, auditlog.Event{
		OccurredAt:   *completed.CompletedAt,
		Actor:        actor,
		Action:       auditlog.ActionResultsRequestCompleted,
		ResourceType: "results_request",
		ResourceID:   strings.TrimSpace(completed.ID),
		RequestID:    audit.RequestID,
		Payload: map[string]any{
			"service":      audit.Service,
			"mode":         string(completed.Mode.Kind()),
			"result_count": len(completed.Results),
		},
	})
	if err != nil {
		return fmt.Errorf("audit completion: %w", err)
	}

	seen := make(map[string]struct{}, len(audit.ExperimentIDs))
	for _, experimentID := range audit.ExperimentIDs {
		experimentID = strings.TrimSpace(experimentID)
		if experimentID == "" {
			continue
		}
		if _, dup := seen[experimentID]; dup {
			continue
		}
		seen[experimentID] = struct{}{}
		_, err = lineageevent.Insert(ctx, conn, lineageevent.Event{
			OccurredAt:  *completed.CompletedAt,
			Actor:       actor,
			RequestID:   audit.RequestID,
			SubjectType: lineageevent.SubjectResultsRequest,
			SubjectID:   strings.TrimSpace(completed.ID),
			Predicate:   lineageevent.PredicateAggregates,
			ObjectType:  lineageevent.ObjectExperiment,
			ObjectID:    experimentID,
		})
		if err != nil {
			return fmt.Errorf("record lineage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
