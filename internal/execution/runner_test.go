package execution

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

func testTarget() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"42","status":"shipped","items":[{"sku":"A1"}]}`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"43"}`))
	})
	return httptest.NewServer(mux)
}

func TestHTTPRunner_PassAndFail(t *testing.T) {
	srv := testTarget()
	defer srv.Close()

	set := qapackage.ScenarioSet{Scenarios: []qapackage.Scenario{
		{
			ID: "s1", Name: "get order", Method: "GET", Path: "/orders/42",
			ExpectedStatus: 200,
			Assertions:     map[string]string{"status": "shipped", "items.0.sku": "A1", "id": "*"},
		},
		{
			ID: "s2", Name: "create order", Method: "POST", Path: "/orders",
			Body: `{"sku":"A1"}`, ExpectedStatus: 201,
		},
		{
			ID: "s3", Name: "wrong status", Method: "GET", Path: "/orders/42",
			ExpectedStatus: 404,
		},
		{
			ID: "s4", Name: "missing field", Method: "GET", Path: "/orders/42",
			ExpectedStatus: 200,
			Assertions:     map[string]string{"tracking.carrier": "*"},
		},
	}}

	runner := NewHTTPRunner(5*time.Second, logger.Discard())
	got, err := runner.Run(context.Background(), set, srv.URL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Passed != 2 || got.Failed != 2 {
		t.Fatalf("expected 2 passed / 2 failed, got %d/%d", got.Passed, got.Failed)
	}
	if got.Results[2].Failure == "" || got.Results[3].Failure == "" {
		t.Fatalf("failures not recorded: %#v", got.Results)
	}
	if got.Results[0].StatusCode != 200 || !got.Results[0].Passed {
		t.Fatalf("first scenario should pass: %#v", got.Results[0])
	}
}

func TestHTTPRunner_EmptySet(t *testing.T) {
	runner := NewHTTPRunner(time.Second, logger.Discard())
	if _, err := runner.Run(context.Background(), qapackage.ScenarioSet{}, "http://localhost:1"); !errors.Is(err, ErrNoScenarios) {
		t.Fatalf("expected ErrNoScenarios, got %v", err)
	}
}

func TestHTTPRunner_UnreachableTargetRecordsFailures(t *testing.T) {
	set := qapackage.ScenarioSet{Scenarios: []qapackage.Scenario{
		{ID: "s1", Name: "ping", Method: "GET", Path: "/ping", ExpectedStatus: 200},
	}}
	runner := NewHTTPRunner(time.Second, logger.Discard())
	got, err := runner.Run(context.Background(), set, "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("run should record, not fail: %v", err)
	}
	if got.Failed != 1 || got.Results[0].Failure == "" {
		t.Fatalf("connection failure not recorded: %#v", got)
	}
}
