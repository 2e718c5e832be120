// Command results-demo walks the results API end to end: it registers a data
// repository, an experiment and an output, uploads a payload, submits a
// results request and waits for it to complete.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) sendJSON(method, path string, in []byte, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(in))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.sendJSON(http.MethodPost, path, payload, out)
}

type idResponse struct {
	ID string `json:"id"`
}

type outputResponse struct {
	OutputID string `json:"output_id"`
}

type resultEntry struct {
	ResultID   string `json:"resultId"`
	ResultName string `json:"resultName"`
	LocationID string `json:"locationId"`
	ExecutorID string `json:"executorId"`
	OutputType string `json:"outputType"`
}

type resultsRequest struct {
	ID      string        `json:"id"`
	Status  bool          `json:"status"`
	State   string        `json:"state"`
	Results []resultEntry `json:"results"`
}

// waitComplete polls a results request until it completes, expires or the
// deadline passes.
func waitComplete(client *apiClient, id string, timeout, interval time.Duration) (resultsRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		var req resultsRequest
		if err := client.getJSON("/results-requests/"+id, &req); err != nil {
			return resultsRequest{}, err
		}
		switch {
		case req.Status:
			return req, nil
		case req.State == "expired":
			return req, errors.New("results request expired")
		case time.Now().After(deadline):
			return req, fmt.Errorf("results request still %s after %s", req.State, timeout)
		}
		time.Sleep(interval)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	suffix := now.Format("20060102-150405")

	var (
		baseURL     = flag.String("url", envOr("RESULTS_DEMO_URL", "http://localhost:8080"), "Results service (or gateway) base URL")
		token       = flag.String("token", envOr("RESULTS_DEMO_TOKEN", ""), "Bearer token (optional)")
		requestID   = flag.String("request-id", envOr("RESULTS_DEMO_REQUEST_ID", "demo-"+now.Format("20060102T150405Z")), "X-Request-Id for correlation")
		payloadPath = flag.String("payload", envOr("RESULTS_DEMO_PAYLOAD", ""), "Output payload JSON file (default: a small generated payload)")
		endpoint    = flag.String("s3-endpoint", envOr("RESULTS_DEMO_S3_ENDPOINT", "http://localhost:9000"), "Object store endpoint URL")
		bucket      = flag.String("s3-bucket", envOr("RESULTS_DEMO_S3_BUCKET", "results"), "Object store bucket")
		region      = flag.String("s3-region", envOr("RESULTS_DEMO_S3_REGION", "us-east-1"), "Object store region")
		accessKey   = flag.String("s3-access-key", envOr("RESULTS_DEMO_S3_ACCESS_KEY", ""), "Object store access key id")
		secretKey   = flag.String("s3-secret-key", envOr("RESULTS_DEMO_S3_SECRET_KEY", ""), "Object store secret access key")
		location    = flag.String("location", envOr("RESULTS_DEMO_LOCATION", "demo-location"), "Location id of the demo experiment")
		executor    = flag.String("executor", envOr("RESULTS_DEMO_EXECUTOR", "demo-executor"), "Executor id of the demo experiment")
		wait        = flag.Duration("wait", 30*time.Second, "How long to wait for completion")
	)
	flag.Parse()

	if *accessKey == "" || *secretKey == "" {
		die("flags", errors.New("-s3-access-key and -s3-secret-key are required"))
	}

	payload := []byte(`{"states":[0.1,0.4,0.9],"actions":[{"step":1},{"step":2}]}`)
	if *payloadPath != "" {
		raw, err := os.ReadFile(*payloadPath)
		if err != nil {
			die("read payload", err)
		}
		payload = raw
	}

	client := newAPIClient(*baseURL, *token, *requestID)
	fmt.Printf("==> results demo (url=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Data repository holding the object store credentials
	var repo idResponse
	if err := client.postJSON("/data-repositories", map[string]any{
		"name": "demo-repo-" + suffix,
		"credentials": map[string]any{
			"endpoint_url":  *endpoint,
			"bucket_name":   *bucket,
			"bucket_region": *region,
			"cos_hmac_keys": map[string]string{
				"access_key_id":     *accessKey,
				"secret_access_key": *secretKey,
			},
		},
	}, &repo); err != nil {
		die("create data repository", err)
	}
	fmt.Printf("==> created data repository: %s\n", repo.ID)

	// 2) Experiment (an existing one with the same location/executor is reused)
	var experiment idResponse
	if err := client.postJSON("/experiments", map[string]any{
		"name":        "demo-exp-" + suffix,
		"location_id": *location,
		"executor_id": *executor,
	}, &experiment); err != nil {
		die("create experiment", err)
	}
	fmt.Printf("==> experiment: %s\n", experiment.ID)

	// 3) Output pointing at an artifact in the data repository
	var output outputResponse
	if err := client.postJSON(fmt.Sprintf("/experiments/%s/outputs", experiment.ID), map[string]any{
		"type":               "EXECUTION_RESPONSE",
		"artifact_name":      "demo-" + suffix + ".json",
		"artifact_key":       "demo/" + suffix + ".json",
		"data_repository_id": repo.ID,
	}, &output); err != nil {
		die("create output", err)
	}
	fmt.Printf("==> created output: %s\n", output.OutputID)

	// 4) Upload the payload through the service
	if err := client.sendJSON(http.MethodPut, fmt.Sprintf("/experiments/%s/outputs/%s/payload", experiment.ID, output.OutputID), payload, nil); err != nil {
		die("upload payload", err)
	}
	fmt.Printf("==> uploaded payload (%d bytes)\n", len(payload))

	// 5) Submit and wait
	var submitted idResponse
	if err := client.postJSON("/results-requests", map[string]any{
		"mode":        "experiment",
		"experiments": []map[string]string{{"id": experiment.ID}},
	}, &submitted); err != nil {
		die("submit results request", err)
	}
	fmt.Printf("==> submitted results request: %s\n", submitted.ID)

	done, err := waitComplete(client, submitted.ID, *wait, 500*time.Millisecond)
	if err != nil {
		die("wait for results", err)
	}
	fmt.Printf("==> results request %s is %s with %d entries\n", done.ID, done.State, len(done.Results))
	for _, entry := range done.Results {
		fmt.Printf("  - %s location=%s executor=%s type=%s\n", entry.ResultName, entry.LocationID, entry.ExecutorID, entry.OutputType)
	}
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
