package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torii-labs/torii/internal/intel"
	"github.com/torii-labs/torii/internal/scan"
	"github.com/torii-labs/torii/internal/server"
)

const (
	routerTestSubject = "alice"
	taskPollTimeout   = 2 * time.Second
	taskPollInterval  = 10 * time.Millisecond
)

type scannerStub struct {
	mutex       sync.Mutex
	result      scan.Result
	err         error
	outcomes    []scan.Outcome
	outcomeGate chan struct{}
	requests    []scan.Request
}

func (stub *scannerStub) Scan(_ context.Context, request scan.Request) (scan.Result, error) {
	stub.mutex.Lock()
	stub.requests = append(stub.requests, request)
	stub.mutex.Unlock()
	return stub.result, stub.err
}

func (stub *scannerStub) ScanAllFunc(_ context.Context, subject string, page int, onOutcome func(scan.Outcome)) []scan.Outcome {
	stub.mutex.Lock()
	stub.requests = append(stub.requests, scan.Request{Subject: subject, Page: page})
	stub.mutex.Unlock()
	for _, outcome := range stub.outcomes {
		if stub.outcomeGate != nil {
			<-stub.outcomeGate
		}
		if onOutcome != nil {
			onOutcome(outcome)
		}
	}
	return stub.outcomes
}

func (stub *scannerStub) lastRequest() scan.Request {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if len(stub.requests) == 0 {
		return scan.Request{}
	}
	return stub.requests[len(stub.requests)-1]
}

func newTestRouter(t *testing.T, scanner server.Scanner) http.Handler {
	t.Helper()
	router, err := server.NewRouter(server.RouterConfig{Scanner: scanner})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}

func pollTask(t *testing.T, router http.Handler, taskIdentifier string, done func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(taskPollTimeout)
	var statusBody map[string]interface{}
	for time.Now().Before(deadline) {
		statusRecorder := performRequest(router, http.MethodGet, "/api/tasks/"+taskIdentifier, "")
		if statusRecorder.Code != http.StatusOK {
			t.Fatalf("unexpected status code %d", statusRecorder.Code)
		}
		statusBody = decodeBody(t, statusRecorder)
		if done(statusBody) {
			return statusBody
		}
		time.Sleep(taskPollInterval)
	}
	return statusBody
}

func performRequest(handler http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealthAndFeatures(t *testing.T) {
	router := newTestRouter(t, &scannerStub{})

	healthRecorder := performRequest(router, http.MethodGet, "/healthz", "")
	if healthRecorder.Code != http.StatusOK || decodeBody(t, healthRecorder)["status"] != "ok" {
		t.Fatalf("unexpected health response %d %s", healthRecorder.Code, healthRecorder.Body.String())
	}

	featuresRecorder := performRequest(router, http.MethodGet, "/api/features", "")
	if featuresRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected features status %d", featuresRecorder.Code)
	}
	var features []intel.FeatureDescriptor
	if err := json.Unmarshal(featuresRecorder.Body.Bytes(), &features); err != nil {
		t.Fatalf("decode features: %v", err)
	}
	if len(features) != 5 || features[0].ID != intel.FeatureContracts || features[4].Name != "Key Followers" {
		t.Fatalf("unexpected features %+v", features)
	}
}

func TestScanFeatureStatusMapping(t *testing.T) {
	testCases := []struct {
		name               string
		path               string
		body               string
		scanErr            error
		expectedStatusCode int
		expectedError      string
		expectedNotice     string
		expectedRetryAfter string
		expectedPage       int
	}{
		{
			name:               "success on the first page by default",
			path:               "/api/scan/username-history",
			body:               `{"subject":"@alice"}`,
			expectedStatusCode: http.StatusOK,
			expectedPage:       1,
		},
		{
			name:               "success on an explicit page",
			path:               "/api/scan/username-history",
			body:               `{"subject":"@alice","page":3}`,
			expectedStatusCode: http.StatusOK,
			expectedPage:       3,
		},
		{
			name:               "page zero",
			path:               "/api/scan/username-history",
			body:               `{"subject":"alice","page":0}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      "page must be at least 1",
		},
		{
			name:               "unsupported feature",
			path:               "/api/scan/token-distribution",
			body:               `{"subject":"alice"}`,
			expectedStatusCode: http.StatusNotFound,
			expectedError:      `unsupported feature: "token-distribution"`,
		},
		{
			name:               "malformed body",
			path:               "/api/scan/bio-history",
			body:               `{"subject":`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      "request body must be a JSON object with a subject",
		},
		{
			name:               "missing subject",
			path:               "/api/scan/bio-history",
			body:               `{"subject":"  "}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      "request body must be a JSON object with a subject",
		},
		{
			name: "rate limited",
			path: "/api/scan/bio-history",
			body: `{"subject":"alice"}`,
			scanErr: &scan.RateLimitedError{
				Feature:          intel.FeatureBioHistory,
				RetryAfter:       150*time.Second + 200*time.Millisecond,
				RemainingMinutes: 3,
				Notice:           "wait 3 more minutes",
			},
			expectedStatusCode: http.StatusTooManyRequests,
			expectedNotice:     "wait 3 more minutes",
			expectedRetryAfter: "151",
		},
		{
			name:               "fetch failure",
			path:               "/api/scan/first-followers",
			body:               `{"subject":"alice"}`,
			scanErr:            &scan.FetchError{Feature: intel.FeatureFirstFollowers, Err: errors.New("connection refused")},
			expectedStatusCode: http.StatusBadGateway,
			expectedError:      "failed to load First Followers",
		},
		{
			name:               "unexpected failure",
			path:               "/api/scan/first-followers",
			body:               `{"subject":"alice"}`,
			scanErr:            errors.New("boom"),
			expectedStatusCode: http.StatusInternalServerError,
			expectedError:      "internal error",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			scanner := &scannerStub{
				result: scan.Result{
					Feature:   intel.FeatureUsernameHistory,
					Subject:   routerTestSubject,
					ViewModel: intel.UsernameHistoryView{Feature: intel.FeatureUsernameHistory, Subject: routerTestSubject, Changes: []intel.UsernameChange{}},
				},
				err: testCase.scanErr,
			}
			router := newTestRouter(t, scanner)

			recorder := performRequest(router, http.MethodPost, testCase.path, testCase.body)
			if recorder.Code != testCase.expectedStatusCode {
				t.Fatalf("expected status %d, got %d (%s)", testCase.expectedStatusCode, recorder.Code, recorder.Body.String())
			}
			body := decodeBody(t, recorder)
			if testCase.expectedStatusCode == http.StatusOK {
				if body["feature"] != string(intel.FeatureUsernameHistory) || body["viewModel"] == nil {
					t.Fatalf("unexpected success body %v", body)
				}
				if scanner.lastRequest().Subject != "@alice" || scanner.lastRequest().Page != testCase.expectedPage {
					t.Fatalf("unexpected scan request %+v", scanner.lastRequest())
				}
				return
			}
			if testCase.expectedError != "" && body["error"] != testCase.expectedError {
				t.Fatalf("expected error %q, got %v", testCase.expectedError, body["error"])
			}
			if testCase.expectedNotice != "" && body["notice"] != testCase.expectedNotice {
				t.Fatalf("expected notice %q, got %v", testCase.expectedNotice, body["notice"])
			}
			if retryAfter := recorder.Header().Get("Retry-After"); retryAfter != testCase.expectedRetryAfter {
				t.Fatalf("expected Retry-After %q, got %q", testCase.expectedRetryAfter, retryAfter)
			}
		})
	}
}

func TestScanAllReportsPerFeatureOutcomes(t *testing.T) {
	scanner := &scannerStub{outcomes: []scan.Outcome{
		{Feature: intel.FeatureContracts, Result: scan.Result{Feature: intel.FeatureContracts, Cached: true, ViewModel: intel.ContractsView{Feature: intel.FeatureContracts}}},
		{Feature: intel.FeatureBioHistory, Err: &scan.FetchError{Feature: intel.FeatureBioHistory, Err: errors.New("timeout")}},
	}}
	router := newTestRouter(t, scanner)

	recorder := performRequest(router, http.MethodPost, "/api/scan", `{"subject":"@alice"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var response struct {
		Subject string `json:"subject"`
		Results []struct {
			Feature   string          `json:"feature"`
			Cached    bool            `json:"cached"`
			ViewModel json.RawMessage `json:"viewModel"`
			Error     string          `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.Subject != routerTestSubject || len(response.Results) != 2 {
		t.Fatalf("unexpected response %+v", response)
	}
	if !response.Results[0].Cached || len(response.Results[0].ViewModel) == 0 {
		t.Fatalf("expected cached contracts view, got %+v", response.Results[0])
	}
	if response.Results[1].Error != "failed to load Bio Changes" || len(response.Results[1].ViewModel) != 0 {
		t.Fatalf("expected bio failure, got %+v", response.Results[1])
	}
}

func TestBackgroundScanTask(t *testing.T) {
	scanner := &scannerStub{outcomes: []scan.Outcome{
		{Feature: intel.FeatureContracts, Result: scan.Result{Feature: intel.FeatureContracts, ViewModel: intel.ContractsView{Feature: intel.FeatureContracts}}},
		{Feature: intel.FeatureUsernameHistory, Result: scan.Result{Feature: intel.FeatureUsernameHistory, ViewModel: intel.UsernameHistoryView{Feature: intel.FeatureUsernameHistory}}},
		{Feature: intel.FeatureBioHistory, Result: scan.Result{Feature: intel.FeatureBioHistory, ViewModel: intel.BioHistoryView{Feature: intel.FeatureBioHistory}}},
		{Feature: intel.FeatureFirstFollowers, Err: &scan.RateLimitedError{Feature: intel.FeatureFirstFollowers, Notice: "later"}},
		{Feature: intel.FeatureKeyFollowers, Result: scan.Result{Feature: intel.FeatureKeyFollowers, ViewModel: intel.KeyFollowersView{Feature: intel.FeatureKeyFollowers}}},
	}}
	router := newTestRouter(t, scanner)

	startRecorder := performRequest(router, http.MethodPost, "/api/tasks", `{"subject":"alice"}`)
	if startRecorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected start status %d", startRecorder.Code)
	}
	startBody := decodeBody(t, startRecorder)
	taskIdentifier, _ := startBody["id"].(string)
	if taskIdentifier == "" || startBody["total"] != float64(5) {
		t.Fatalf("unexpected start body %v", startBody)
	}

	statusBody := pollTask(t, router, taskIdentifier, func(body map[string]interface{}) bool {
		return body["status"] != "running"
	})
	if statusBody["status"] != "completed" || statusBody["completed"] != float64(5) {
		t.Fatalf("unexpected task status %v", statusBody)
	}
	results, _ := statusBody["results"].([]interface{})
	if len(results) != 5 {
		t.Fatalf("expected five results, got %v", statusBody["results"])
	}
	rateLimited, _ := results[3].(map[string]interface{})
	if rateLimited["notice"] != "later" {
		t.Fatalf("expected rate limit notice, got %v", rateLimited)
	}

	missingRecorder := performRequest(router, http.MethodGet, "/api/tasks/scan-999", "")
	if missingRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", missingRecorder.Code)
	}
	if scanner.lastRequest().Page != 1 {
		t.Fatalf("expected background scan of the first page, got %+v", scanner.lastRequest())
	}
}

func TestBackgroundScanTaskReportsProgress(t *testing.T) {
	outcomeGate := make(chan struct{})
	scanner := &scannerStub{
		outcomeGate: outcomeGate,
		outcomes: []scan.Outcome{
			{Feature: intel.FeatureBioHistory, Result: scan.Result{Feature: intel.FeatureBioHistory, ViewModel: intel.BioHistoryView{Feature: intel.FeatureBioHistory}}},
			{Feature: intel.FeatureContracts, Err: &scan.FetchError{Feature: intel.FeatureContracts, Err: errors.New("timeout")}},
		},
	}
	router := newTestRouter(t, scanner)

	startRecorder := performRequest(router, http.MethodPost, "/api/tasks", `{"subject":"alice","page":2}`)
	if startRecorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected start status %d", startRecorder.Code)
	}
	taskIdentifier, _ := decodeBody(t, startRecorder)["id"].(string)

	outcomeGate <- struct{}{}
	partialBody := pollTask(t, router, taskIdentifier, func(body map[string]interface{}) bool {
		return body["completed"] == float64(1)
	})
	if partialBody["completed"] != float64(1) || partialBody["status"] != "running" {
		t.Fatalf("expected one finished feature while running, got %v", partialBody)
	}
	partialResults, _ := partialBody["results"].([]interface{})
	if len(partialResults) != 1 {
		t.Fatalf("expected the finished feature in results, got %v", partialBody["results"])
	}

	close(outcomeGate)
	finishedBody := pollTask(t, router, taskIdentifier, func(body map[string]interface{}) bool {
		return body["status"] != "running"
	})
	if finishedBody["status"] != "completed" || finishedBody["completed"] != float64(5) {
		t.Fatalf("unexpected finished task %v", finishedBody)
	}
	if scanner.lastRequest().Page != 2 {
		t.Fatalf("expected the requested page, got %+v", scanner.lastRequest())
	}
}

func TestBackgroundScanTaskRejectsInvalidPage(t *testing.T) {
	router := newTestRouter(t, &scannerStub{})

	recorder := performRequest(router, http.MethodPost, "/api/tasks", `{"subject":"alice","page":-1}`)
	if recorder.Code != http.StatusBadRequest || decodeBody(t, recorder)["error"] != "page must be at least 1" {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestFinishedTasksAreEvicted(t *testing.T) {
	clockMutex := sync.Mutex{}
	now := time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMutex.Lock()
		defer clockMutex.Unlock()
		return now
	}
	scanner := &scannerStub{outcomes: []scan.Outcome{
		{Feature: intel.FeatureContracts, Result: scan.Result{Feature: intel.FeatureContracts, ViewModel: intel.ContractsView{Feature: intel.FeatureContracts}}},
	}}
	router, err := server.NewRouter(server.RouterConfig{Scanner: scanner, TaskRetention: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	startRecorder := performRequest(router, http.MethodPost, "/api/tasks", `{"subject":"alice"}`)
	taskIdentifier, _ := decodeBody(t, startRecorder)["id"].(string)
	finishedBody := pollTask(t, router, taskIdentifier, func(body map[string]interface{}) bool {
		return body["status"] != "running"
	})
	if finishedBody["status"] != "completed" {
		t.Fatalf("unexpected finished task %v", finishedBody)
	}

	clockMutex.Lock()
	now = now.Add(time.Minute)
	clockMutex.Unlock()
	if recorder := performRequest(router, http.MethodGet, "/api/tasks/"+taskIdentifier, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected expired task to be gone, got %d", recorder.Code)
	}
}

func TestAnalyzeFeatureRunsCoreOffline(t *testing.T) {
	router := newTestRouter(t, nil)

	recorder := performRequest(router, http.MethodPost, "/api/analyze/key-followers",
		`{"subject":"alice","data":[{"follower_username":"whale","follower_num_followers":1234567,"follower_score":420.6}]}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d (%s)", recorder.Code, recorder.Body.String())
	}
	var view intel.KeyFollowersView
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Followers) != 1 || view.Followers[0].Followers != "1,234,567" || view.Followers[0].RiskLevel != intel.RiskHigh {
		t.Fatalf("unexpected view %+v", view)
	}

	unsupportedRecorder := performRequest(router, http.MethodPost, "/api/analyze/contract-analysis", `{"subject":"alice","data":[]}`)
	if unsupportedRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", unsupportedRecorder.Code)
	}

	scanRecorder := performRequest(router, http.MethodPost, "/api/scan/key-followers", `{"subject":"alice"}`)
	if scanRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected scan routes to be absent without a scanner, got %d", scanRecorder.Code)
	}
}
