// Package lineageevent appends provenance edges (subject, predicate, object)
// to the lineage_events table.
package lineageevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SubjectResultsRequest = "results_request"
	ObjectExperiment      = "experiment"
	PredicateAggregates   = "aggregates"
)

type Event struct {
	OccurredAt  time.Time
	Actor       string
	RequestID   string
	SubjectType string
	SubjectID   string
	Predicate   string
	ObjectType  string
	ObjectID    string
	Metadata    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Record is a stored lineage event.
type Record struct {
	EventID     int64           `json:"event_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Actor       string          `json:"actor"`
	RequestID   string          `json:"request_id,omitempty"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Predicate   string          `json:"predicate"`
	ObjectType  string          `json:"object_type"`
	ObjectID    string          `json:"object_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (e Event) Validate() error {
	for name, value := range map[string]string{
		"Actor":       e.Actor,
		"SubjectType": e.SubjectType,
		"SubjectID":   e.SubjectID,
		"Predicate":   e.Predicate,
		"ObjectType":  e.ObjectType,
		"ObjectID":    e.ObjectID,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if v := strings.TrimSpace(event.RequestID); v != "" {
		requestID = sql.NullString{String: v, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO lineage_events (
			occurred_at,
			actor,
			request_id,
			subject_type,
			subject_id,
			predicate,
			object_type,
			object_id,
			metadata,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`,
		event.OccurredAt.UTC().UnixMilli(),
		strings.TrimSpace(event.Actor),
		requestID,
		strings.TrimSpace(event.SubjectType),
		strings.TrimSpace(event.SubjectID),
		strings.TrimSpace(event.Predicate),
		strings.TrimSpace(event.ObjectType),
		strings.TrimSpace(event.ObjectID),
		string(metadataJSON),
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert lineage event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt  int64           `json:"occurred_at_ms"`
		Actor       string          `json:"actor"`
		RequestID   string          `json:"request_id,omitempty"`
		SubjectType string          `json:"subject_type"`
		SubjectID   string          `json:"subject_id"`
		Predicate   string          `json:"predicate"`
		ObjectType  string          `json:"object_type"`
		ObjectID    string          `json:"object_id"`
		Metadata    json.RawMessage `json:"metadata"`
	}

	blob, err := json.Marshal(integrityInput{
		OccurredAt:  event.OccurredAt.UTC().UnixMilli(),
		Actor:       strings.TrimSpace(event.Actor),
		RequestID:   strings.TrimSpace(event.RequestID),
		SubjectType: strings.TrimSpace(event.SubjectType),
		SubjectID:   strings.TrimSpace(event.SubjectID),
		Predicate:   strings.TrimSpace(event.Predicate),
		ObjectType:  strings.TrimSpace(event.ObjectType),
		ObjectID:    strings.TrimSpace(event.ObjectID),
		Metadata:    metadataJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ListBySubject returns the edges recorded for one subject, oldest first.
func ListBySubject(ctx context.Context, q Queryer, subjectType, subjectID string, limit int) ([]Record, error) {
	if q == nil {
		return nil, errors.New("queryer is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := q.QueryContext(
		ctx,
		`SELECT event_id, occurred_at, actor, request_id, subject_type, subject_id, predicate, object_type, object_id, metadata
		 FROM lineage_events
		 WHERE subject_type = $1 AND subject_id = $2
		 ORDER BY event_id ASC
		 LIMIT $3`,
		strings.TrimSpace(subjectType),
		strings.TrimSpace(subjectID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list lineage events: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec        Record
			occurredAt int64
			requestID  sql.NullString
			metadata   string
		)
		if err := rows.Scan(&rec.EventID, &occurredAt, &rec.Actor, &requestID, &rec.SubjectType, &rec.SubjectID, &rec.Predicate, &rec.ObjectType, &rec.ObjectID, &metadata); err != nil {
			return nil, fmt.Errorf("scan lineage event: %w", err)
		}
		rec.OccurredAt = time.UnixMilli(occurredAt).UTC()
		rec.RequestID = strings.TrimSpace(requestID.String)
		rec.Metadata = json.RawMessage(metadata)
		if !json.Valid(rec.Metadata) {
			rec.Metadata = json.RawMessage("{}")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lineage events: %w", err)
	}
	return records, nil
}
