package results

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/dispatch"
	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/repo"
)

type fakeExperiments struct {
	byID     map[string]domain.Experiment
	order    []string
	hashHits []string
	err      error
}

func newFakeExperiments() *fakeExperiments {
	return &fakeExperiments{byID: map[string]domain.Experiment{}}
}

func (f *fakeExperiments) CreateExperiment(_ context.Context, e domain.Experiment) error {
	if _, ok := f.byID[e.ID]; ok {
		return repo.ErrAlreadyExists
	}
	f.byID[e.ID] = e
	f.order = append(f.order, e.ID)
	return nil
}

func (f *fakeExperiments) GetExperiment(_ context.Context, id string) (domain.Experiment, error) {
	if f.err != nil {
		return domain.Experiment{}, f.err
	}
	e, ok := f.byID[id]
	if !ok {
		return domain.Experiment{}, repo.ErrNotFound
	}
	return e, nil
}

func (f *fakeExperiments) FindByHash(_ context.Context, hash string) ([]domain.Experiment, error) {
	f.hashHits = append(f.hashHits, hash)
	var out []domain.Experiment
	for _, id := range f.order {
		if e := f.byID[id]; e.Hash == hash {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeExperiments) FindByHashAndAlgorithmID(_ context.Context, hash, algorithmID string) ([]domain.Experiment, error) {
	f.hashHits = append(f.hashHits, hash)
	var out []domain.Experiment
	for _, id := range f.order {
		if e := f.byID[id]; e.Hash == hash && e.AlgorithmID == algorithmID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeOutputs struct {
	byExperiment map[string][]domain.ExperimentOutput
}

func newFakeOutputs() *fakeOutputs {
	return &fakeOutputs{byExperiment: map[string][]domain.ExperimentOutput{}}
}

func (f *fakeOutputs) CreateOutput(_ context.Context, o domain.ExperimentOutput) error {
	f.byExperiment[o.ExperimentID] = append(f.byExperiment[o.ExperimentID], o)
	return nil
}

func (f *fakeOutputs) GetOutput(_ context.Context, experimentID, id string) (domain.ExperimentOutput, error) {
	for _, o := range f.byExperiment[experimentID] {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.ExperimentOutput{}, repo.ErrNotFound
}

func (f *fakeOutputs) ListOutputsByExperiment(_ context.Context, experimentID string) ([]domain.ExperimentOutput, error) {
	out := append([]domain.ExperimentOutput(nil), f.byExperiment[experimentID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeOutputs) TouchOutput(_ context.Context, experimentID, id string, updatedAt time.Time) error {
	outputs := f.byExperiment[experimentID]
	for i := range outputs {
		if outputs[i].ID == id {
			outputs[i].UpdatedAt = updatedAt
			return nil
		}
	}
	return repo.ErrNotFound
}

type fakeDataRepositories struct {
	byID map[string]domain.DataRepositoryConfiguration
}

func (f *fakeDataRepositories) CreateDataRepository(_ context.Context, cfg domain.DataRepositoryConfiguration) error {
	f.byID[cfg.ID] = cfg
	return nil
}

func (f *fakeDataRepositories) GetDataRepository(_ context.Context, id string) (domain.DataRepositoryConfiguration, error) {
	cfg, ok := f.byID[id]
	if !ok {
		return domain.DataRepositoryConfiguration{}, repo.ErrNotFound
	}
	return cfg, nil
}

type fakeRequests struct {
	mu          sync.Mutex
	byID        map[string]domain.ResultsRequest
	completions int
	audits      []repo.CompletionAudit
	completeErr error
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{byID: map[string]domain.ResultsRequest{}}
}

func (f *fakeRequests) CreateResultsRequest(_ context.Context, req domain.ResultsRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[req.ID] = req
	return nil
}

func (f *fakeRequests) GetResultsRequest(_ context.Context, id string) (domain.ResultsRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.byID[id]
	if !ok {
		return domain.ResultsRequest{}, repo.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequests) CompleteResultsRequest(_ context.Context, completed domain.ResultsRequest, audit repo.CompletionAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	current, ok := f.byID[completed.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if current.Completed() {
		return repo.ErrAlreadyComplete
	}
	f.byID[completed.ID] = completed
	f.completions++
	f.audits = append(f.audits, audit)
	return nil
}

// fakeCipher treats ciphertext as "enc:" + plaintext. Ciphertexts listed in
// fail error out and those in block wait for the context.
type fakeCipher struct {
	fail  map[string]bool
	block map[string]bool
}

func (c *fakeCipher) Encrypt(_ context.Context, _ string, plaintext []byte) (string, error) {
	return "enc:" + string(plaintext), nil
}

func (c *fakeCipher) Decrypt(ctx context.Context, _ string, ciphertext string) ([]byte, error) {
	if c.block[ciphertext] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.fail[ciphertext] {
		return nil, errors.New("bad padding")
	}
	if len(ciphertext) < 4 || ciphertext[:4] != "enc:" {
		return nil, errors.New("malformed")
	}
	return []byte(ciphertext[4:]), nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	errs    map[string]error
	block   map[string]bool
	deaf    map[string]time.Duration
	gets    []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, errs: map[string]error{}, block: map[string]bool{}, deaf: map[string]time.Duration{}}
}

func (b *fakeBlobs) Get(ctx context.Context, bucket, key string, _ blobstore.Credentials) ([]byte, error) {
	b.mu.Lock()
	b.gets = append(b.gets, bucket+"/"+key)
	blocked := b.block[key]
	delay := b.deaf[key]
	err := b.errs[key]
	body, ok := b.objects[bucket+"/"+key]
	b.mu.Unlock()
	if delay > 0 {
		// Sleeps without watching ctx and then answers as if nothing happened.
		time.Sleep(delay)
	}
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, blobstore.ErrObjectNotFound
	}
	return body, nil
}

func (b *fakeBlobs) Put(_ context.Context, bucket, key string, body []byte, _ blobstore.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+key] = append([]byte(nil), body...)
	return nil
}

type fakeDeployments struct {
	completed map[string]bool
	err       error
}

func (d *fakeDeployments) Completed(_ context.Context, experimentID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.completed[experimentID], nil
}

type recordingDispatcher struct {
	triggers []dispatch.Trigger
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, trigger dispatch.Trigger) error {
	d.triggers = append(d.triggers, trigger)
	return d.err
}

func credentialsJSON(bucket, instance string) string {
	raw, _ := json.Marshal(blobstore.Credentials{
		ResourceInstanceID: instance,
		EndpointURL:        "http://127.0.0.1:9000",
		BucketName:         bucket,
		HMACKeys:           blobstore.HMACKeys{AccessKeyID: "access", SecretAccessKey: "secret"},
	})
	return string(raw)
}
