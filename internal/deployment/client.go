// Package deployment queries the job-deployment service for the state of an
// experiment's deployment.
package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/platform/env"
)

var (
	ErrNotFound      = errors.New("deployment not found")
	ErrUnexpectedAPI = errors.New("deployment service unexpected response")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("RESULTS_DEPLOYMENT_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL: env.String("RESULTS_DEPLOYMENT_URL", ""),
		Timeout: timeout,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("RESULTS_DEPLOYMENT_URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("RESULTS_DEPLOYMENT_URL invalid: %w", err)
	}
	if c.Timeout <= 0 {
		return errors.New("RESULTS_DEPLOYMENT_TIMEOUT must be positive")
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type statusResponse struct {
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
}

// Status returns the deployment state reported for experimentID.
func (c *Client) Status(ctx context.Context, experimentID string) (Status, error) {
	if c == nil || c.http == nil {
		return "", errors.New("deployment client not initialized")
	}
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return "", errors.New("experiment id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/deployments/"+url.PathEscape(experimentID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out statusResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode deployment status: %w", err)
		}
		return Status(strings.ToLower(strings.TrimSpace(out.Status))), nil
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("%w: status=%d", ErrUnexpectedAPI, resp.StatusCode)
	}
}

// Completed reports whether the experiment's deployment has finished. A
// missing deployment is not completed.
func (c *Client) Completed(ctx context.Context, experimentID string) (bool, error) {
	status, err := c.Status(ctx, experimentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusCompleted, nil
}
