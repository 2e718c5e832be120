package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidMode = errors.New("invalid results request mode")

// ModeKind names how a results request selects experiments.
type ModeKind string

const (
	ModeExperiment ModeKind = "experiment"
	ModeSearch     ModeKind = "search"
	ModeAlgorithm  ModeKind = "algorithm"
)

func ParseModeKind(value string) (ModeKind, error) {
	switch ModeKind(strings.ToLower(strings.TrimSpace(value))) {
	case ModeExperiment:
		return ModeExperiment, nil
	case ModeSearch:
		return ModeSearch, nil
	case ModeAlgorithm:
		return ModeAlgorithm, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, value)
	}
}

// Mode is the typed selection payload of a results request.
type Mode interface {
	Kind() ModeKind
	// Empty reports whether the mode selects nothing.
	Empty() bool
}

type ExperimentMode struct {
	IDs []string `json:"ids"`
}

func (ExperimentMode) Kind() ModeKind { return ModeExperiment }
func (m ExperimentMode) Empty() bool  { return len(m.IDs) == 0 }

type SearchPair struct {
	ExecutorID string `json:"executor_id"`
	LocationID string `json:"location_id"`
}

type SearchMode struct {
	Pairs []SearchPair `json:"pairs"`
}

func (SearchMode) Kind() ModeKind { return ModeSearch }
func (m SearchMode) Empty() bool  { return len(m.Pairs) == 0 }

type AlgorithmTriple struct {
	ExecutorID  string `json:"executor_id"`
	LocationID  string `json:"location_id"`
	AlgorithmID string `json:"algorithm_id"`
}

type AlgorithmMode struct {
	Triples []AlgorithmTriple `json:"triples"`
}

func (AlgorithmMode) Kind() ModeKind { return ModeAlgorithm }
func (m AlgorithmMode) Empty() bool  { return len(m.Triples) == 0 }

// Collections carries the submitted id lists before they are paired.
type Collections struct {
	Environments []string
	Executors    []string
	Locations    []string
	Algorithms   []string
	Experiments  []string
}

// NewMode validates the submitted collections and pairs them for the given kind.
//
// Locations and algorithms are paired with environments by index. When either
// list is shorter than the environment list its last element is reused for the
// remaining environments. Collections that cannot be paired produce an empty
// mode, which resolves to no work.
func NewMode(kind ModeKind, c Collections) (Mode, error) {
	for name, values := range map[string][]string{
		"environments": c.Environments,
		"executors":    c.Executors,
		"locations":    c.Locations,
		"algorithms":   c.Algorithms,
		"experiments":  c.Experiments,
	} {
		for i, v := range values {
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("%w: %s[%d] id is required", ErrInvalidMode, name, i)
			}
		}
	}

	environments := c.Environments
	if len(environments) == 0 {
		environments = c.Executors
	}

	switch kind {
	case ModeExperiment:
		return ExperimentMode{IDs: trimAll(c.Experiments)}, nil
	case ModeSearch:
		if len(environments) == 0 || len(c.Locations) == 0 {
			return SearchMode{}, nil
		}
		pairs := make([]SearchPair, 0, len(environments))
		for i, env := range environments {
			pairs = append(pairs, SearchPair{
				ExecutorID: strings.TrimSpace(env),
				LocationID: strings.TrimSpace(c.Locations[PadIndex(i, len(c.Locations))]),
			})
		}
		return SearchMode{Pairs: pairs}, nil
	case ModeAlgorithm:
		if len(environments) == 0 || len(c.Locations) == 0 || len(c.Algorithms) == 0 {
			return AlgorithmMode{}, nil
		}
		triples := make([]AlgorithmTriple, 0, len(environments))
		for i, env := range environments {
			triples = append(triples, AlgorithmTriple{
				ExecutorID:  strings.TrimSpace(env),
				LocationID:  strings.TrimSpace(c.Locations[PadIndex(i, len(c.Locations))]),
				AlgorithmID: strings.TrimSpace(c.Algorithms[PadIndex(i, len(c.Algorithms))]),
			})
		}
		return AlgorithmMode{Triples: triples}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, kind)
	}
}

// PadIndex maps position i onto a list of length n, reusing the last element
// once i runs past the end.
func PadIndex(i, n int) int {
	if i < n {
		return i
	}
	return n - 1
}

func EncodeMode(mode Mode) ([]byte, error) {
	if mode == nil {
		return nil, fmt.Errorf("%w: mode is required", ErrInvalidMode)
	}
	return json.Marshal(mode)
}

func DecodeMode(kind ModeKind, raw []byte) (Mode, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch kind {
	case ModeExperiment:
		var m ExperimentMode
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode experiment mode: %w", err)
		}
		return m, nil
	case ModeSearch:
		var m SearchMode
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode search mode: %w", err)
		}
		return m, nil
	case ModeAlgorithm:
		var m AlgorithmMode
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode algorithm mode: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, kind)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
