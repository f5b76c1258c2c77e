package parity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Result captures the outcome of replaying a single fixture.
type Result struct {
	Fixture          Fixture
	ReferenceStatus  int
	CandidateStatus  int
	CandidateCrop    string
	BodyDiff         string
	LatencyReference time.Duration
	LatencyCandidate time.Duration
	Err              error
}

// Mismatch reports whether the fixture exposed a difference.
func (r Result) Mismatch() bool {
	if r.Err != nil || r.ReferenceStatus != r.CandidateStatus || r.BodyDiff != "" {
		return true
	}
	return r.Fixture.ExpectCrop != "" && r.Fixture.ExpectCrop != r.CandidateCrop
}

// Runner executes fixtures against the reference and candidate endpoints.
type Runner struct {
	Client      *http.Client
	Config      Config
	Normalizers []func([]byte) []byte
}

// Run executes all fixtures and returns their results in fixture order.
func (r *Runner) Run(ctx context.Context, fixtures []Fixture) []Result {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	concurrency := r.Config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make([]Result, len(fixtures))
	sem := make(chan struct{}, concurrency)
	wg := sync.WaitGroup{}

	for i, fixture := range fixtures {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, fx Fixture) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = r.execute(ctx, client, fx)
		}(i, fixture)
	}

	wg.Wait()
	return results
}

func (r *Runner) execute(ctx context.Context, client *http.Client, fixture Fixture) Result {
	res := Result{Fixture: fixture}

	refStatus, refBody, refLatency, refErr := r.send(ctx, client, r.Config.ReferenceBaseURL, fixture)
	candStatus, candBody, candLatency, candErr := r.send(ctx, client, r.Config.CandidateBaseURL, fixture)

	res.LatencyReference = refLatency
	res.LatencyCandidate = candLatency

	if refErr != nil {
		res.Err = fmt.Errorf("reference request failed: %w", refErr)
		return res
	}
	if candErr != nil {
		res.Err = fmt.Errorf("candidate request failed: %w", candErr)
		return res
	}

	res.ReferenceStatus = refStatus
	res.CandidateStatus = candStatus
	res.CandidateCrop = cropOf(candBody)

	normalizers := r.Normalizers
	if len(r.Config.IgnoreKeys) > 0 {
		normalizers = append([]func([]byte) []byte{StripJSONKeys(r.Config.IgnoreKeys...)}, normalizers...)
	}
	for _, normalizer := range normalizers {
		refBody = normalizer(refBody)
		candBody = normalizer(candBody)
	}

	res.BodyDiff = diffJSON(refBody, candBody, r.Config.FloatTolerance)
	return res
}

func (r *Runner) send(ctx context.Context, client *http.Client, baseURL string, fixture Fixture) (int, []byte, time.Duration, error) {
	target, err := url.JoinPath(baseURL, fixture.path())
	if err != nil {
		return 0, nil, 0, fmt.Errorf("build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, fixture.method(), target, bytes.NewReader(fixture.Body))
	if err != nil {
		return 0, nil, 0, err
	}
	if len(fixture.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range fixture.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, time.Since(start), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return resp.StatusCode, nil, latency, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, latency, nil
}

func cropOf(body []byte) string {
	var payload struct {
		Crop string `json:"crop"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Crop
}

func diffJSON(expected, actual []byte, tolerance float64) string {
	var expAny, actAny any
	expErr := json.Unmarshal(expected, &expAny)
	actErr := json.Unmarshal(actual, &actAny)
	if expErr != nil || actErr != nil {
		if bytes.Equal(bytes.TrimSpace(expected), bytes.TrimSpace(actual)) {
			return ""
		}
		return fmt.Sprintf("expected raw:\n%s\nactual:\n%s\n", expected, actual)
	}

	if equalJSON(expAny, actAny, tolerance) {
		return ""
	}

	expCanonical, _ := json.MarshalIndent(expAny, "", "  ")
	actCanonical, _ := json.MarshalIndent(actAny, "", "  ")
	return fmt.Sprintf("expected:\n%s\nactual:\n%s\n", expCanonical, actCanonical)
}
