package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/cipher"
	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/platform/auditlog"
	"github.com/animus-labs/experiment-results/internal/platform/auth"
	"github.com/animus-labs/experiment-results/internal/platform/httpserver"
	"github.com/animus-labs/experiment-results/internal/platform/lineageevent"
	"github.com/animus-labs/experiment-results/internal/repo"
	"github.com/animus-labs/experiment-results/internal/service/results"
	"github.com/google/uuid"
)

type resultsAPI struct {
	logger           *slog.Logger
	service          *results.Service
	experiments      repo.ExperimentRepository
	outputs          repo.OutputRepository
	dataRepositories repo.DataRepositoryRepository
	cipher           cipher.Cipher
	blobs            blobstore.Store
	lineage          lineageevent.Queryer
	audit            auditlog.QueryRower
	cfg              results.Config
	now              func() time.Time
}

func (api *resultsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /results-requests", api.handleCreateResultsRequest)
	mux.HandleFunc("GET /results-requests/{request_id}", api.handleGetResultsRequest)
	mux.HandleFunc("POST /results-requests/{request_id}/runs", api.handleTriggerRun)
	mux.HandleFunc("GET /results-requests/{request_id}/lineage", api.handleGetLineage)

	mux.HandleFunc("POST /experiments", api.handleCreateExperiment)
	mux.HandleFunc("GET /experiments/{experiment_id}", api.handleGetExperiment)
	mux.HandleFunc("POST /experiments/{experiment_id}/outputs", api.handleCreateOutput)
	mux.HandleFunc("PUT /experiments/{experiment_id}/outputs/{output_id}/payload", api.handleUploadPayload)

	mux.HandleFunc("POST /data-repositories", api.handleCreateDataRepository)
}

type idRef struct {
	ID string `json:"id"`
}

func ids(refs []idRef) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.ID)
	}
	return out
}

type createResultsRequestRequest struct {
	Mode         string  `json:"mode"`
	Environments []idRef `json:"environments"`
	Executors    []idRef `json:"executors"`
	Locations    []idRef `json:"locations"`
	Algorithms   []idRef `json:"algorithms"`
	Experiments  []idRef `json:"experiments"`
}

type resultsRequestResponse struct {
	ID          string               `json:"id"`
	Mode        domain.ModeKind      `json:"mode"`
	Status      bool                 `json:"status"`
	State       domain.RequestState  `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	CreatedBy   string               `json:"created_by,omitempty"`
	Results     []domain.ResultEntry `json:"results"`
}

func toResultsRequestResponse(req domain.ResultsRequest, state domain.RequestState) resultsRequestResponse {
	out := resultsRequestResponse{
		ID:          req.ID,
		Status:      req.Completed(),
		State:       state,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
		CreatedBy:   req.CreatedBy,
		Results:     req.Results,
	}
	if req.Mode != nil {
		out.Mode = req.Mode.Kind()
	}
	if out.Results == nil {
		out.Results = []domain.ResultEntry{}
	}
	return out
}

func (api *resultsAPI) handleCreateResultsRequest(w http.ResponseWriter, r *http.Request) {
	var req createResultsRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	kind, err := domain.ParseModeKind(req.Mode)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_mode")
		return
	}

	created, err := api.service.Submit(r.Context(), results.SubmitInput{
		Kind: kind,
		Collections: domain.Collections{
			Environments: ids(req.Environments),
			Executors:    ids(req.Executors),
			Locations:    ids(req.Locations),
			Algorithms:   ids(req.Algorithms),
			Experiments:  ids(req.Experiments),
		},
		Actor: auth.Actor(r.Context()),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidMode) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_mode")
			return
		}
		api.logger.Error("create results request failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, toResultsRequestResponse(created, domain.RequestStatePending))
}

func (api *resultsAPI) handleGetResultsRequest(w http.ResponseWriter, r *http.Request) {
	view, err := api.service.Status(r.Context(), r.PathValue("request_id"))
	if err != nil {
		api.writeRepoError(w, r, err, "get results request failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toResultsRequestResponse(view.Request, view.State))
}

func (api *resultsAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	req, err := api.service.Retrigger(r.Context(), r.PathValue("request_id"))
	if err != nil {
		api.writeRepoError(w, r, err, "trigger results run failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":    req.ID,
		"state": req.State(api.now(), api.cfg.Timeout()),
	})
}

func (api *resultsAPI) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	view, err := api.service.Status(r.Context(), r.PathValue("request_id"))
	if err != nil {
		api.writeRepoError(w, r, err, "get results request failed")
		return
	}
	events, err := lineageevent.ListBySubject(r.Context(), api.lineage, lineageevent.SubjectResultsRequest, view.Request.ID, 0)
	if err != nil {
		api.logger.Error("list lineage failed", "results_request_id", view.Request.ID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

type createExperimentRequest struct {
	Name        string `json:"name"`
	LocationID  string `json:"location_id"`
	ExecutorID  string `json:"executor_id"`
	AlgorithmID string `json:"algorithm_id"`
}

type experimentResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	LocationID  string            `json:"location_id"`
	ExecutorID  string            `json:"executor_id"`
	AlgorithmID string            `json:"algorithm_id,omitempty"`
	Hash        string            `json:"hash"`
	HashFormat  domain.HashFormat `json:"hash_format"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

func toExperimentResponse(e domain.Experiment) experimentResponse {
	return experimentResponse{
		ID:          e.ID,
		Name:        e.Name,
		LocationID:  e.LocationID,
		ExecutorID:  e.ExecutorID,
		AlgorithmID: e.AlgorithmID,
		Hash:        e.Hash,
		HashFormat:  e.HashFormat,
		CreatedAt:   e.CreatedAt,
		CreatedBy:   e.CreatedBy,
	}
}

// handleCreateExperiment returns the existing experiment with 200 when the
// (hash, algorithm) combination is already registered.
func (api *resultsAPI) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	locationID := strings.TrimSpace(req.LocationID)
	executorID := strings.TrimSpace(req.ExecutorID)
	algorithmID := strings.TrimSpace(req.AlgorithmID)
	if locationID == "" || executorID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "location_and_executor_required")
		return
	}

	hash := api.cfg.HashFormat.ExperimentHash(locationID, executorID)
	if existing, ok, err := api.findExperiment(r.Context(), hash, algorithmID); err != nil {
		api.logger.Error("lookup experiment failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	} else if ok {
		httpserver.WriteJSON(w, http.StatusOK, toExperimentResponse(existing))
		return
	}

	experiment := domain.Experiment{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		LocationID:  locationID,
		ExecutorID:  executorID,
		AlgorithmID: algorithmID,
		Hash:        hash,
		HashFormat:  api.cfg.HashFormat,
		CreatedAt:   api.now().UTC().Truncate(time.Millisecond),
		CreatedBy:   auth.Actor(r.Context()),
	}
	if err := api.experiments.CreateExperiment(r.Context(), experiment); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			if existing, ok, lookupErr := api.findExperiment(r.Context(), hash, algorithmID); lookupErr == nil && ok {
				httpserver.WriteJSON(w, http.StatusOK, toExperimentResponse(existing))
				return
			}
		}
		api.logger.Error("create experiment failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toExperimentResponse(experiment))
}

func (api *resultsAPI) findExperiment(ctx context.Context, hash, algorithmID string) (domain.Experiment, bool, error) {
	found, err := api.experiments.FindByHashAndAlgorithmID(ctx, hash, algorithmID)
	if err != nil {
		return domain.Experiment{}, false, err
	}
	if len(found) == 0 {
		return domain.Experiment{}, false, nil
	}
	return found[0], true, nil
}

func (api *resultsAPI) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	experiment, err := api.experiments.GetExperiment(r.Context(), r.PathValue("experiment_id"))
	if err != nil {
		api.writeRepoError(w, r, err, "get experiment failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toExperimentResponse(experiment))
}

type createOutputRequest struct {
	Type             string     `json:"type"`
	ArtifactName     string     `json:"artifact_name"`
	ArtifactKey      string     `json:"artifact_key"`
	DataRepositoryID string     `json:"data_repository_id"`
	UpdatedAt        *time.Time `json:"updated_at"`
}

type outputResponse struct {
	ID               string            `json:"output_id"`
	ExperimentID     string            `json:"experiment_id"`
	Type             domain.OutputType `json:"type"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ArtifactName     string            `json:"artifact_name,omitempty"`
	ArtifactKey      string            `json:"artifact_key,omitempty"`
	DataRepositoryID string            `json:"data_repository_id,omitempty"`
}

func toOutputResponse(o domain.ExperimentOutput) outputResponse {
	out := outputResponse{
		ID:           o.ID,
		ExperimentID: o.ExperimentID,
		Type:         o.Type,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.Metadata != nil {
		out.ArtifactName = o.Metadata.ArtifactName
		out.ArtifactKey = o.Metadata.ArtifactKey
		out.DataRepositoryID = o.Metadata.DataRepositoryID
	}
	return out
}

func (api *resultsAPI) handleCreateOutput(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("experiment_id")
	var req createOutputRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	outputType, err := domain.ParseOutputType(req.Type)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_output_type")
		return
	}
	if _, err := api.experiments.GetExperiment(r.Context(), experimentID); err != nil {
		api.writeRepoError(w, r, err, "get experiment failed")
		return
	}

	dataRepositoryID := strings.TrimSpace(req.DataRepositoryID)
	if dataRepositoryID != "" {
		if _, err := api.dataRepositories.GetDataRepository(r.Context(), dataRepositoryID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				httpserver.WriteError(w, r, http.StatusBadRequest, "unknown_data_repository")
				return
			}
			api.writeRepoError(w, r, err, "get data repository failed")
			return
		}
	}

	updatedAt := api.now().UTC()
	if req.UpdatedAt != nil {
		updatedAt = req.UpdatedAt.UTC()
	}
	output := domain.ExperimentOutput{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Type:         outputType,
		UpdatedAt:    updatedAt.Truncate(time.Millisecond),
	}
	if key := strings.TrimSpace(req.ArtifactKey); key != "" {
		output.Metadata = &domain.OutputMetadata{
			ArtifactName:     strings.TrimSpace(req.ArtifactName),
			ArtifactKey:      key,
			DataRepositoryID: dataRepositoryID,
		}
	}
	if err := api.outputs.CreateOutput(r.Context(), output); err != nil {
		api.logger.Error("create output failed", "experiment_id", experimentID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toOutputResponse(output))
}

// handleUploadPayload stores the body as the output's artifact using the
// linked data repository's credentials, then marks the output updated.
func (api *resultsAPI) handleUploadPayload(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("experiment_id")
	output, err := api.outputs.GetOutput(r.Context(), experimentID, r.PathValue("output_id"))
	if err != nil {
		api.writeRepoError(w, r, err, "get output failed")
		return
	}
	if output.Metadata == nil || strings.TrimSpace(output.Metadata.DataRepositoryID) == "" {
		httpserver.WriteError(w, r, http.StatusConflict, "output_not_linked")
		return
	}
	dataRepository, err := api.dataRepositories.GetDataRepository(r.Context(), output.Metadata.DataRepositoryID)
	if err != nil {
		api.writeRepoError(w, r, err, "get data repository failed")
		return
	}
	plaintext, err := api.cipher.Decrypt(r.Context(), api.cfg.CipherSecret, dataRepository.EncryptedCredentials)
	if err != nil {
		api.logger.Error("decrypt credentials failed", "data_repository_id", dataRepository.ID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "credentials_unavailable")
		return
	}
	creds, err := blobstore.ParseCredentials(plaintext)
	if err != nil {
		api.logger.Error("parse credentials failed", "data_repository_id", dataRepository.ID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "credentials_unavailable")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, api.cfg.MaxPayloadBytes+1))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if int64(len(body)) > api.cfg.MaxPayloadBytes {
		httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	if err := api.blobs.Put(r.Context(), creds.BucketName, output.Metadata.ArtifactKey, body, creds); err != nil {
		api.logger.Error("upload payload failed", "experiment_id", experimentID, "output_id", output.ID, "error", err)
		httpserver.WriteError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}
	updatedAt := api.now().UTC().Truncate(time.Millisecond)
	if err := api.outputs.TouchOutput(r.Context(), experimentID, output.ID, updatedAt); err != nil {
		api.writeRepoError(w, r, err, "touch output failed")
		return
	}
	output.UpdatedAt = updatedAt
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"output":     toOutputResponse(output),
		"size_bytes": len(body),
	})
}

type createDataRepositoryRequest struct {
	Name        string                `json:"name"`
	Credentials blobstore.Credentials `json:"credentials"`
}

func (api *resultsAPI) handleCreateDataRepository(w http.ResponseWriter, r *http.Request) {
	var req createDataRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	if err := req.Credentials.Validate(); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_credentials")
		return
	}
	plaintext, err := json.Marshal(req.Credentials)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_credentials")
		return
	}
	encrypted, err := api.cipher.Encrypt(r.Context(), api.cfg.CipherSecret, plaintext)
	if err != nil {
		api.logger.Error("encrypt credentials failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	cfg := domain.DataRepositoryConfiguration{
		ID:                   uuid.NewString(),
		Name:                 name,
		EncryptedCredentials: encrypted,
		CreatedAt:            api.now().UTC().Truncate(time.Millisecond),
		CreatedBy:            auth.Actor(r.Context()),
	}
	if err := api.dataRepositories.CreateDataRepository(r.Context(), cfg); err != nil {
		api.logger.Error("create data repository failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	_, err = auditlog.Insert(r.Context(), api.audit, auditlog.Event{
		OccurredAt:   cfg.CreatedAt,
		Actor:        cfg.CreatedBy,
		Action:       auditlog.ActionDataRepositoryCreated,
		ResourceType: "data_repository",
		ResourceID:   cfg.ID,
		RequestID:    requestID,
		IP:           auditlog.RemoteIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"name":   cfg.Name,
			"bucket": req.Credentials.BucketName,
		},
	})
	if err != nil {
		api.logger.Error("audit data repository failed", "data_repository_id", cfg.ID, "error", err)
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":         cfg.ID,
		"name":       cfg.Name,
		"created_at": cfg.CreatedAt,
	})
}

func (api *resultsAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, repo.ErrNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.logger.Error(msg, "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
