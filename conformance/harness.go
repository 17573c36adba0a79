// Package conformance provides a black-box harness that exercises the
// recordings service over HTTP the way a deployed client would.
package conformance

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avangrid-gui/vpi-recordings-go/internal/archive"
	"github.com/avangrid-gui/vpi-recordings-go/internal/event"
	"github.com/avangrid-gui/vpi-recordings-go/internal/jwks"
	"github.com/avangrid-gui/vpi-recordings-go/internal/locator"
	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/server"
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
	"github.com/avangrid-gui/vpi-recordings-go/internal/tenant"
	"github.com/avangrid-gui/vpi-recordings-go/internal/transcode"
)

// Unsigned bearer token accepted by the claims-only test JWKS client.
const bearerToken = "Bearer eyJhbGciOiJFZERTQSIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJ1c2VyLTEiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoidGVzdC1pc3N1ZXIifQ.X"

var callTime = time.Date(2025, 3, 7, 14, 22, 31, 0, time.UTC)

// Harness hosts the full service against in-memory dependencies.
type Harness struct {
	server *httptest.Server
	pub    event.Publisher

	// Seeded fixture handles for the tests.
	captureID uuid.UUID
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string
}

// memBlobs serves recording audio from a map, standing in for S3.
type memBlobs struct {
	objects map[string][]byte
}

func (f *memBlobs) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *memBlobs) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	return data, nil
}

func (f *memBlobs) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := f.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// NewHarness creates a test harness with one seeded tenant and recording.
func NewHarness(cfg Config) (*Harness, error) {
	mem := storage.NewMemory()
	agent := uuid.New()
	mem.AddUser(model.UserRecord{UserID: agent, FullName: "Jane Smith"})
	captureID := uuid.New()
	mem.AddCapture(model.CaptureRecord{
		ObjectID: captureID, DateAdded: callTime, StartTime: callTime,
		UserID: &agent, Direction: "0", ExtensionNum: "4521", ChannelNum: 7,
		AniAliDigits: "2075551000", CallID: "call-a",
	})

	registry := tenant.NewRegistry()
	registry.Bind("RGE", mem)
	svc := tenant.NewService(registry, nil)

	blobs := &memBlobs{objects: map[string][]byte{
		"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav": []byte("RIFFfakewav"),
	}}
	loc := locator.New(blobs, false, nil)
	tr := transcode.New("cat", nil, 5*time.Second, 2, nil)
	builder := archive.New(blobs, loc, registry.Allowed, nil)
	pub := event.NewNoop()

	mux := server.NewMux(svc, blobs, loc, tr, builder, pub, jwks.NewTestClient(), cfg.JWTIssuer, cfg.JWTAudience, nil)

	return &Harness{
		server:    httptest.NewServer(mux),
		pub:       pub,
		captureID: captureID,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Authentication", h.testAuthentication)
	t.Run("Search", h.testSearch)
	t.Run("Metadata", h.testMetadata)
	t.Run("RecordingFetch", h.testRecordingFetch)
	t.Run("BulkDownload", h.testBulkDownload)
}

// do sends an authenticated request and returns the response.
func (h *Harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.URL()+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthentication verifies requests without a bearer token are rejected.
func (h *Harness) testAuthentication(t *testing.T) {
	resp, err := http.Post(h.URL()+"/api/v1/search", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("failed to POST /api/v1/search: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401 without token, got %d", resp.StatusCode)
	}
}

// testSearch verifies the search envelope over a seeded date range.
func (h *Harness) testSearch(t *testing.T) {
	body := `{"from_date":"2025-03-01 00:00:00","to_date":"2025-03-31 23:59:59","opco":"RGE"}`
	resp := h.do(t, "POST", "/api/v1/search", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var sr model.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("failed to decode search response: %v", err)
	}
	if sr.Status != "200" || sr.Message != "Success" {
		t.Errorf("unexpected envelope: %s/%s", sr.Status, sr.Message)
	}
	if len(sr.Data) != 1 || sr.Data[0].ObjectID != h.captureID {
		t.Errorf("unexpected data: %+v", sr.Data)
	}
}

// testMetadata verifies the full single-record projection.
func (h *Harness) testMetadata(t *testing.T) {
	resp := h.do(t, "GET", "/api/v1/metadata?id="+h.captureID.String()+"&opco=RGE", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read metadata response: %v", err)
	}
	if !strings.Contains(string(raw), h.captureID.String()) {
		t.Errorf("metadata does not mention the capture id: %s", raw)
	}
	if !strings.Contains(string(raw), "Jane Smith") {
		t.Errorf("metadata does not resolve the user name: %s", raw)
	}
}

// testRecordingFetch verifies the single recording download.
func (h *Harness) testRecordingFetch(t *testing.T) {
	body := `{"opco":"RGE","date":"2025-03-07 14:22:31","username":"jane smith"}`
	resp := h.do(t, "POST", "/api/v1/recording", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("expected audio/mpeg, got %q", ct)
	}
}

// testBulkDownload verifies the ZIP export and its trailing accounting entry.
func (h *Harness) testBulkDownload(t *testing.T) {
	body := `[{"opco":"RGE","date":"2025-03-07 14:22:31","username":"jane smith"}]`
	resp := h.do(t, "POST", "/api/v1/download", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("response is not a zip archive: %v", err)
	}
	if len(zr.File) == 0 || zr.File[len(zr.File)-1].Name != "status.json" {
		t.Errorf("archive does not end with status.json")
	}
}
