package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func validResponse() map[string]any {
	return map[string]any{
		"summary":           "Front bumper shows light scratches",
		"overall_condition": "good",
		"findings": []map[string]any{
			{"area": "front_bumper", "severity": "minor", "description": "surface scratches"},
		},
		"confidence":  0.91,
		"provider":    "visionapi",
		"model":       "inspect-v2",
		"analyzed_at": time.Now().Format(time.RFC3339),
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/inspections" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Vehicle.Make != "Toyota" {
			t.Errorf("vehicle context not forwarded: %+v", req.Vehicle)
		}

		json.NewEncoder(w).Encode(validResponse())
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)

	result, err := client.Analyze(context.Background(), []byte("fake-jpeg"), "image/jpeg", VehicleInfo{
		Make: "Toyota", Model: "Corolla", Year: 2019,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary == "" || len(result.Findings) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAnalyzeMissingConfidenceIsContractViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := validResponse()
		delete(resp, "confidence")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)

	_, err := client.Analyze(context.Background(), []byte("img"), "image/jpeg", VehicleInfo{})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}

func TestAnalyzeMalformedBodyIsContractViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)

	_, err := client.Analyze(context.Background(), []byte("img"), "image/jpeg", VehicleInfo{})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)

	_, err := client.Analyze(context.Background(), []byte("img"), "image/jpeg", VehicleInfo{})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if errors.Is(err, ErrContractViolation) {
		t.Fatalf("503 should not be a contract violation: %v", err)
	}
}

func TestAnalyzeTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(validResponse())
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20*time.Millisecond)

	_, err := client.Analyze(context.Background(), []byte("img"), "image/jpeg", VehicleInfo{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	base := func() *Result {
		return &Result{
			Summary:    "ok",
			Findings:   []Finding{},
			Confidence: 0.8,
			Provider:   "visionapi",
			Model:      "inspect-v2",
			AnalyzedAt: time.Now(),
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}

	cases := map[string]func(*Result){
		"summary":    func(r *Result) { r.Summary = "" },
		"findings":   func(r *Result) { r.Findings = nil },
		"confidence": func(r *Result) { r.Confidence = 0 },
		"provider":   func(r *Result) { r.Provider = "" },
		"timestamp":  func(r *Result) { r.AnalyzedAt = time.Time{} },
	}

	for name, mutate := range cases {
		r := base()
		mutate(r)
		if err := r.Validate(); !errors.Is(err, ErrContractViolation) {
			t.Errorf("%s: expected ErrContractViolation, got %v", name, err)
		}
	}
}
