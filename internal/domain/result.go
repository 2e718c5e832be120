package domain

import "encoding/json"

// ResultEntry is one experiment's normalized contribution to a results request.
type ResultEntry struct {
	ResultID    string          `json:"resultId"`
	ResultName  string          `json:"resultName,omitempty"`
	LocationID  string          `json:"locationId,omitempty"`
	ExecutorID  string          `json:"executorId,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
	Rewards     json.RawMessage `json:"rewards,omitempty"`
	StudyTrials json.RawMessage `json:"study_trials,omitempty"`
	OutputType  OutputType      `json:"outputType"`
}
