package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/animus-labs/experiment-results/internal/domain"
)

var ErrInvalidPayload = errors.New("invalid result payload")

type assembler struct {
	outputTypeBranches bool
}

// assemble maps an artifact's JSON object onto a result entry of the request.
// The artifact's "states" become rewards; "actions" and "study_trials" keep
// their names.
func (a assembler) assemble(requestID string, c located, payload []byte) (domain.ResultEntry, error) {
	if !utf8.Valid(payload) {
		return domain.ResultEntry{}, fmt.Errorf("%w: not utf-8", ErrInvalidPayload)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.ResultEntry{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if doc == nil {
		return domain.ResultEntry{}, fmt.Errorf("%w: not a json object", ErrInvalidPayload)
	}

	entry := domain.ResultEntry{
		ResultID:   requestID,
		LocationID: c.Experiment.LocationID,
		ExecutorID: c.Experiment.ExecutorID,
		OutputType: domain.OutputTypeExecutionResponse,
	}
	if c.Output.Metadata != nil {
		entry.ResultName = c.Output.Metadata.ArtifactName
	}

	rewards := field(doc, "states")
	actions := field(doc, "actions")
	studyTrials := field(doc, "study_trials")

	outputType := domain.OutputTypeExecutionResponse
	if a.outputTypeBranches && c.Output.Type != "" {
		outputType = c.Output.Type
	}
	switch outputType {
	case domain.OutputTypeRewardResponse:
		entry.Rewards = rewards
	case domain.OutputTypeOutputResponse:
		entry.Actions = actions
		entry.StudyTrials = studyTrials
	default:
		entry.Rewards = rewards
		entry.Actions = actions
		entry.StudyTrials = studyTrials
	}
	entry.OutputType = outputType
	return entry, nil
}

// field returns doc[name] unless it is missing or null.
func field(doc map[string]json.RawMessage, name string) json.RawMessage {
	raw, ok := doc[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
