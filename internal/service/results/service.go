package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/cipher"
	"github.com/animus-labs/experiment-results/internal/dispatch"
	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/repo"
	"github.com/google/uuid"
)

// Deps are the collaborators of the pipeline. Deployments is only consulted
// when the deployment gate is enabled.
type Deps struct {
	Experiments      repo.ExperimentRepository
	Outputs          repo.OutputRepository
	DataRepositories repo.DataRepositoryRepository
	Requests         repo.ResultsRequestRepository
	Cipher           cipher.Cipher
	Blobs            blobstore.Store
	Deployments      DeploymentChecker
	Metrics          *Metrics
	Logger           *slog.Logger
	Now              func() time.Time
}

type Service struct {
	cfg        Config
	deps       Deps
	dispatcher dispatch.Dispatcher

	resolver  resolver
	locator   locator
	retriever retriever
	assembler assembler
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Experiments == nil || deps.Outputs == nil || deps.DataRepositories == nil || deps.Requests == nil {
		return nil, errors.New("results service repositories are required")
	}
	if deps.Cipher == nil || deps.Blobs == nil {
		return nil, errors.New("results service cipher and blob store are required")
	}
	hashFormat, err := domain.ParseHashFormat(string(cfg.HashFormat))
	if err != nil {
		return nil, err
	}
	policy, err := ParseSelectionPolicy(string(cfg.OutputSelection))
	if err != nil {
		return nil, err
	}
	cfg.HashFormat = hashFormat
	cfg.OutputSelection = policy
	if cfg.RequireDeploymentComplete && deps.Deployments == nil {
		return nil, errors.New("deployment checker is required when the deployment gate is enabled")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{cfg: cfg, deps: deps}
	s.resolver = resolver{experiments: deps.Experiments, hashFormat: hashFormat}
	s.locator = locator{
		experiments:       deps.Experiments,
		outputs:           deps.Outputs,
		dataRepositories:  deps.DataRepositories,
		deployments:       deps.Deployments,
		policy:            policy,
		requireDeployment: cfg.RequireDeploymentComplete,
	}
	s.retriever = retriever{
		cipher:         deps.Cipher,
		blobs:          deps.Blobs,
		secret:         cfg.CipherSecret,
		decryptTimeout: cfg.DecryptTimeout,
		fetchTimeout:   cfg.FetchTimeout,
		observeFetch:   deps.Metrics.fetched,
	}
	s.assembler = assembler{outputTypeBranches: cfg.OutputTypeBranches}
	return s, nil
}

// UseDispatcher sets where Submit and Retrigger send runs. The dispatcher
// usually wraps this service, so it is wired after construction.
func (s *Service) UseDispatcher(d dispatch.Dispatcher) {
	s.dispatcher = d
}

func (s *Service) Config() Config {
	return s.cfg
}

type SubmitInput struct {
	Kind        domain.ModeKind
	Collections domain.Collections
	Actor       string
}

// Submit records a pending request and dispatches one run for it. A failed
// dispatch is logged; the request stays pending and can be re-triggered.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.ResultsRequest, error) {
	mode, err := domain.NewMode(in.Kind, in.Collections)
	if err != nil {
		return domain.ResultsRequest{}, err
	}
	req := domain.ResultsRequest{
		ID:        uuid.NewString(),
		Mode:      mode,
		Status:    domain.RequestStatePending,
		CreatedAt: s.deps.Now().UTC().Truncate(time.Millisecond),
		CreatedBy: strings.TrimSpace(in.Actor),
	}
	if err := s.deps.Requests.CreateResultsRequest(ctx, req); err != nil {
		return domain.ResultsRequest{}, fmt.Errorf("create results request: %w", err)
	}
	if err := s.dispatch(ctx, req); err != nil {
		s.deps.Logger.Warn("results run dispatch failed", "results_request_id", req.ID, "error", err)
	}
	return req, nil
}

// Retrigger dispatches another run for an existing request.
func (s *Service) Retrigger(ctx context.Context, id string) (domain.ResultsRequest, error) {
	req, err := s.deps.Requests.GetResultsRequest(ctx, id)
	if err != nil {
		return domain.ResultsRequest{}, err
	}
	if err := s.dispatch(ctx, req); err != nil {
		return domain.ResultsRequest{}, fmt.Errorf("dispatch run: %w", err)
	}
	return req, nil
}

func (s *Service) dispatch(ctx context.Context, req domain.ResultsRequest) error {
	if s.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return s.dispatcher.Dispatch(ctx, dispatch.Trigger{RequestID: req.ID, CreatedAt: req.CreatedAt})
}

// StatusView is a request together with its state as of now.
type StatusView struct {
	Request domain.ResultsRequest
	State   domain.RequestState
}

func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	req, err := s.deps.Requests.GetResultsRequest(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Request: req, State: req.State(s.deps.Now(), s.cfg.Timeout())}, nil
}

// Run executes the pipeline for one trigger. Returned errors are run-level;
// per-experiment failures are skipped and never returned.
func (s *Service) Run(ctx context.Context, trigger dispatch.Trigger) error {
	started := time.Now()
	outcome, err := s.run(ctx, trigger)
	s.deps.Metrics.run(outcome, time.Since(started).Seconds())
	logger := s.deps.Logger.With("results_request_id", trigger.RequestID, "outcome", string(outcome))
	if err != nil {
		logger.Error("results run aborted", "error", err)
		return err
	}
	logger.Info("results run finished")
	return nil
}

func (s *Service) run(ctx context.Context, trigger dispatch.Trigger) (Outcome, error) {
	if err := trigger.Validate(); err != nil {
		return OutcomeError, err
	}
	req, err := s.deps.Requests.GetResultsRequest(ctx, trigger.RequestID)
	if err != nil {
		return OutcomeError, fmt.Errorf("load results request: %w", err)
	}
	if outcome, ok := admit(req, trigger.CreatedAt, s.deps.Now(), s.cfg.Timeout()); !ok {
		return outcome, nil
	}

	candidates, err := s.resolver.resolve(ctx, req.Mode)
	if err != nil {
		return OutcomeError, fmt.Errorf("resolve candidates: %w", err)
	}

	var (
		entries     []domain.ResultEntry
		contributed []string
	)
	for _, experimentID := range candidates {
		if err := ctx.Err(); err != nil {
			return OutcomeError, err
		}
		entry, reason, err := s.collect(ctx, req.ID, experimentID)
		if reason != "" {
			s.skip(req.ID, experimentID, reason, err)
			continue
		}
		entries = append(entries, entry)
		contributed = append(contributed, experimentID)
	}
	if len(entries) == 0 {
		return OutcomeNoResults, nil
	}

	completed, err := req.Complete(entries, s.deps.Now())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyComplete) {
			return OutcomeAlreadyComplete, nil
		}
		return OutcomeError, err
	}
	err = s.deps.Requests.CompleteResultsRequest(ctx, completed, repo.CompletionAudit{
		Actor:         "results-pipeline",
		Service:       s.cfg.Service,
		ExperimentIDs: contributed,
	})
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyComplete) {
			return OutcomeAlreadyComplete, nil
		}
		return OutcomeError, fmt.Errorf("complete results request: %w", err)
	}
	s.deps.Metrics.entries(len(entries))
	return OutcomeCompleted, nil
}

// collect runs one candidate through locate, retrieve and assemble.
func (s *Service) collect(ctx context.Context, requestID, experimentID string) (domain.ResultEntry, SkipReason, error) {
	c, reason, err := s.locator.locate(ctx, experimentID)
	if reason != "" {
		return domain.ResultEntry{}, reason, err
	}
	payload, reason, err := s.retriever.fetch(ctx, c)
	if reason != "" {
		return domain.ResultEntry{}, reason, err
	}
	entry, err := s.assembler.assemble(requestID, c, payload)
	if err != nil {
		return domain.ResultEntry{}, SkipPayloadInvalid, err
	}
	return entry, "", nil
}

func (s *Service) skip(requestID, experimentID string, reason SkipReason, err error) {
	s.deps.Metrics.skipped(reason)
	fields := []any{
		"results_request_id", requestID,
		"experiment_id", experimentID,
		"reason", string(reason),
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	s.deps.Logger.Warn("results candidate skipped", fields...)
}
