package report

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/autolens/autolens-api/internal/middleware"
)

func testRouter(f *fixture) http.Handler {
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithUserID(r.Context(), f.userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	r := chi.NewRouter()
	r.Mount("/reports", NewHandler(f.svc).Routes(auth))
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartEndpointCreatesReport(t *testing.T) {
	f := newFixture(t, 100)
	router := testRouter(f)

	rec := postJSON(t, router, "/reports/", startRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data StartResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.ReportID == "" {
		t.Fatal("response missing report_id")
	}
	if body.Data.Status != StatusProcessing {
		t.Fatalf("status = %s, want processing", body.Data.Status)
	}
}

func TestStartEndpointValidatesPayload(t *testing.T) {
	f := newFixture(t, 100)
	router := testRouter(f)

	tests := []struct {
		name string
		req  *StartRequest
	}{
		{"missing make", &StartRequest{VehicleModel: "Camry", VehicleYear: 2019, ImageKeys: []string{"a.jpg"}}},
		{"implausible year", &StartRequest{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYear: 1800, ImageKeys: []string{"a.jpg"}}},
		{"no images", &StartRequest{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYear: 2019}},
		{"traversal key", &StartRequest{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYear: 2019, ImageKeys: []string{"../etc/passwd"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, "/reports/", tt.req)
			if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want validation error: %s", rec.Code, rec.Body.String())
			}
			if len(f.repo.reports) != 0 {
				t.Fatal("invalid request created a report")
			}
		})
	}
}

func TestStartEndpointPaymentRequired(t *testing.T) {
	f := newFixture(t, 5)
	router := testRouter(f)

	rec := postJSON(t, router, "/reports/", startRequest())
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, 100)
	router := testRouter(f)

	resp, err := f.svc.Start(context.Background(), f.userID, startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/reports/"+resp.ReportID+"/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data StatusResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.Status != StatusProcessing {
		t.Fatalf("status = %s, want processing", body.Data.Status)
	}
	if body.Data.Progress == nil {
		t.Fatal("processing status missing progress")
	}
}

func TestStatusEndpointNotFound(t *testing.T) {
	f := newFixture(t, 100)
	router := testRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/reports/"+uuid.New().String()+"/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetEndpointHidesForeignReport(t *testing.T) {
	f := newFixture(t, 100)

	resp, err := f.svc.Start(context.Background(), f.userID, startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Router authenticated as a different user.
	other := *f
	other.userID = uuid.New()
	router := testRouter(&other)

	req := httptest.NewRequest(http.MethodGet, "/reports/"+resp.ReportID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	f := newFixture(t, 100)

	// No user injected into context.
	r := chi.NewRouter()
	passthrough := func(next http.Handler) http.Handler { return next }
	r.Mount("/reports", NewHandler(f.svc).Routes(passthrough))

	rec := postJSON(t, r, "/reports/", startRequest())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
