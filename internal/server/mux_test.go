package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
	"github.com/avangrid-gui/vpi-recordings-go/internal/tenant"
	"github.com/avangrid-gui/vpi-recordings-go/internal/transcode"
)

// Unsigned bearer token with iss test-issuer, aud test-audience, sub user-1.
// The test JWKS client checks claims only.
const testToken = "Bearer eyJhbGciOiJFZERTQSIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJ1c2VyLTEiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoidGVzdC1pc3N1ZXIifQ.X"

// fakeBlobs serves recording bytes from a fixed key map.
type fakeBlobs struct {
	objects map[string][]byte
}

func (f *fakeBlobs) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeBlobs) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

func (f *fakeBlobs) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := f.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

var fixtureTime = time.Date(2025, 3, 7, 14, 22, 31, 0, time.UTC)

// newTestMux wires the full handler stack against in-memory stores, a fake
// blob store, and a cat transcoder that passes audio through untouched.
func newTestMux(t *testing.T) (*http.ServeMux, uuid.UUID) {
	t.Helper()
	return newTestMuxWithTranscoder(t, transcode.New("cat", nil, 5*time.Second, 2, nil))
}

func newTestMuxWithTranscoder(t *testing.T, tr *transcode.Transcoder) (*http.ServeMux, uuid.UUID) {
	t.Helper()

	mem := storage.NewMemory()
	smith := uuid.New()
	mem.AddUser(model.UserRecord{UserID: smith, FullName: "Jane Smith"})
	captureID := uuid.New()
	mem.AddCapture(model.CaptureRecord{
		ObjectID: captureID, DateAdded: fixtureTime, StartTime: fixtureTime,
		UserID: &smith, Direction: "0", ExtensionNum: "4521", ChannelNum: 7,
		AniAliDigits: "2075551000", CallID: "call-a",
	})

	reg := tenant.NewRegistry()
	reg.Bind("RGE", mem)
	svc := tenant.NewService(reg, nil)

	blobs := &fakeBlobs{objects: map[string][]byte{
		"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav": []byte("RIFFfakewav"),
	}}
	loc := locator.New(blobs, false, nil)
	builder := archive.New(blobs, loc, reg.Allowed, nil)

	mux := NewMux(svc, blobs, loc, tr, builder, event.NewNoop(), jwks.NewTestClient(), "test-issuer", "test-audience", nil)
	return mux, captureID
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", testToken)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	rr := doRequest(t, mux, "GET", "/healthz", "", false)
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want ok", rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	rr := doRequest(t, mux, "GET", "/readyz", "", false)
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestAuthRequired(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"from_date":"2025-03-01 00:00:00","to_date":"2025-03-31 23:59:59","opco":"RGE"}`

	rr := doRequest(t, mux, "POST", "/api/v1/search", body, false)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got status %v want %v", rr.Code, http.StatusUnauthorized)
	}

	req, _ := http.NewRequest("POST", "/api/v1/search", strings.NewReader(body))
	req.Header.Set("Authorization", "Basic abc")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer token: got status %v want %v", rr.Code, http.StatusUnauthorized)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	mux, _ := newTestMux(t)
	req, _ := http.NewRequest("POST", "/api/v1/search", strings.NewReader(`{}`))
	req.Header.Set("Authorization", testToken)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestSearchHappyPath(t *testing.T) {
	mux, captureID := newTestMux(t)
	body := `{"from_date":"2025-03-01 00:00:00","to_date":"2025-03-31 23:59:59","opco":"rge"}`

	rr := doRequest(t, mux, "POST", "/api/v1/search", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, body %s", rr.Code, rr.Body.String())
	}

	var resp model.SearchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "200" || resp.Message != "Success" {
		t.Errorf("envelope = %s/%s", resp.Status, resp.Message)
	}
	if len(resp.Data) != 1 || resp.Data[0].ObjectID != captureID {
		t.Fatalf("data = %+v", resp.Data)
	}
	if resp.Data[0].UserName != "Jane Smith" {
		t.Errorf("userName = %q", resp.Data[0].UserName)
	}
	if resp.Pagination.TotalRecords != 1 || resp.Pagination.PageSize != 20 {
		t.Errorf("pagination = %+v", resp.Pagination)
	}
}

func TestSearchSchemaReject(t *testing.T) {
	mux, _ := newTestMux(t)

	// Missing to_date fails schema validation before any store access.
	rr := doRequest(t, mux, "POST", "/api/v1/search", `{"from_date":"2025-03-01 00:00:00","opco":"RGE"}`, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "VPI_SCHEMA_REJECT") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestSearchInvalidRange(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"from_date":"2025-03-31 00:00:00","to_date":"2025-03-01 00:00:00","opco":"RGE"}`

	rr := doRequest(t, mux, "POST", "/api/v1/search", body, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "VPI_VALIDATION") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestSearchUnknownOpco(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"from_date":"2025-03-01 00:00:00","to_date":"2025-03-31 23:59:59","opco":"ACME"}`

	rr := doRequest(t, mux, "POST", "/api/v1/search", body, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestMetadataFetch(t *testing.T) {
	mux, captureID := newTestMux(t)

	rr := doRequest(t, mux, "GET", "/api/v1/metadata?id="+captureID.String()+"&opco=RGE", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, body %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	body := string(resp.Data)
	if !strings.Contains(body, `"objectId":"`+captureID.String()+`"`) {
		t.Errorf("data missing objectId: %s", body)
	}
	if !strings.Contains(body, `"userName":"Jane Smith"`) {
		t.Errorf("data missing userName: %s", body)
	}
}

func TestMetadataNotFound(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doRequest(t, mux, "GET", "/api/v1/metadata?id="+uuid.NewString()+"&opco=RGE", "", true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

func TestMetadataBadID(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doRequest(t, mux, "GET", "/api/v1/metadata?id=not-a-uuid&opco=RGE", "", true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestRecordingFetch(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"opco":"RGE","date":"2025-03-07 14:22:31","username":"jane smith"}`

	rr := doRequest(t, mux, "POST", "/api/v1/recording", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `inline`) || !strings.Contains(cd, ".mp3") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	// The cat transcoder echoes the source audio.
	if rr.Body.String() != "RIFFfakewav" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestRecordingTranscodeFailureHidesDiagnostics(t *testing.T) {
	tr := transcode.New("sh", []string{"-c", "cat >/dev/null; echo /srv/vpi/secret-path broken >&2; exit 3"}, 5*time.Second, 1, nil)
	mux, _ := newTestMuxWithTranscoder(t, tr)
	body := `{"opco":"RGE","date":"2025-03-07 14:22:31","username":"jane smith"}`

	rr := doRequest(t, mux, "POST", "/api/v1/recording", body, true)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %v, body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "VPI_PROCESSING") {
		t.Errorf("body = %s", rr.Body.String())
	}
	// The codec's stderr must never reach the caller.
	if strings.Contains(rr.Body.String(), "secret-path") {
		t.Errorf("response leaks codec diagnostics: %s", rr.Body.String())
	}
}

func TestRecordingNotFound(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"opco":"RGE","date":"2025-03-08 14:22:31","username":"jane smith"}`

	rr := doRequest(t, mux, "POST", "/api/v1/recording", body, true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

func TestRecordingUnknownOpco(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `{"opco":"ACME","date":"2025-03-07 14:22:31","username":"jane smith"}`

	rr := doRequest(t, mux, "POST", "/api/v1/recording", body, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestDownloadMixedBatch(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `[
		{"opco":"RGE","date":"2025-03-07 14:22:31","username":"jane smith"},
		{"opco":"RGE","date":"2025-03-08 09:00:00","username":"nobody"}
	]`

	rr := doRequest(t, mux, "POST", "/api/v1/download", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, body %s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "recordings.zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil {
		t.Fatalf("reading zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("zip has %d entries", len(zr.File))
	}
	if zr.File[len(zr.File)-1].Name != "status.json" {
		t.Errorf("last entry = %q, want status.json", zr.File[len(zr.File)-1].Name)
	}

	rc, err := zr.File[len(zr.File)-1].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var summary model.ArchiveSummary
	if err := json.NewDecoder(rc).Decode(&summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.TotalRequested != 2 || summary.SuccessCount != 1 || summary.FailureCount != 1 {
		t.Errorf("summary counts = %d/%d/%d", summary.TotalRequested, summary.SuccessCount, summary.FailureCount)
	}
}

func TestDownloadNothingFound(t *testing.T) {
	mux, _ := newTestMux(t)
	body := `[{"opco":"RGE","date":"2025-03-08 09:00:00","username":"nobody"}]`

	rr := doRequest(t, mux, "POST", "/api/v1/download", body, true)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusNoContent)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rr.Body.String())
	}
}

func TestDownloadEmptyBatch(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doRequest(t, mux, "POST", "/api/v1/download", `[]`, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doRequest(t, mux, "GET", "/api/v1/search", "", true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}
