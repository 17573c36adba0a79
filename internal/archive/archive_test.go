package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/avangrid-gui/vpi-recordings-go/internal/locator"
	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
)

// fakeBlobs serves fixed listings and bodies keyed by prefix and object key.
type fakeBlobs struct {
	listings map[string][]string
	bodies   map[string][]byte
}

func (f *fakeBlobs) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return f.listings[prefix], nil
}

func (f *fakeBlobs) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.bodies[key]
	if !ok {
		return nil, errors.New("object missing: " + key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func allowAll(string) bool { return true }

func testBuilder(blobs *fakeBlobs, allowed func(string) bool) *Builder {
	return New(blobs, locator.New(blobs, true, nil), allowed, nil)
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	entries := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening entry %s: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading entry %s: %v", f.Name, err)
		}
		entries[f.Name] = content
	}
	if last := zr.File[len(zr.File)-1].Name; last != "status.json" {
		t.Errorf("last entry = %s, want status.json", last)
	}
	return entries
}

// TestBuildMixedBatch runs a three-item batch where one item succeeds, one is
// missing, and one is invalid, and checks the archive and its accounting.
func TestBuildMixedBatch(t *testing.T) {
	blobs := &fakeBlobs{
		listings: map[string][]string{
			"RGE/2025/3/7/": {"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav"},
		},
		bodies: map[string][]byte{
			"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav": []byte("wav bytes"),
		},
	}
	b := testBuilder(blobs, allowAll)

	requests := []model.RecordingRequest{
		{Opco: "RGE", Date: "2025-03-07 14:22:31", Username: "Jane Smith"},
		{Opco: "RGE", Date: "2025-03-08 09:00:00", Username: "Bob Jones"},
		{Opco: "RGE", Date: "not a date", Username: "Ann Lee"},
	}
	data, summary, err := b.Build(context.Background(), requests)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if summary.TotalRequested != 3 || summary.SuccessCount != 1 || summary.FailureCount != 2 {
		t.Errorf("summary counts = %d/%d/%d, want 3/1/2",
			summary.TotalRequested, summary.SuccessCount, summary.FailureCount)
	}
	if summary.BuildID == "" {
		t.Error("summary.BuildID is empty")
	}
	if got := summary.Statuses[0].Status; got != model.StatusSuccess {
		t.Errorf("statuses[0] = %s, want SUCCESS", got)
	}
	if got := summary.Statuses[1]; got.Status != model.StatusNotFound || got.Detail != "No matching audio file found" {
		t.Errorf("statuses[1] = %+v, want NOT_FOUND with detail", got)
	}
	if got := summary.Statuses[2]; got.Status != model.StatusError || !strings.Contains(got.Detail, "invalid date") {
		t.Errorf("statuses[2] = %+v, want ERROR with date detail", got)
	}

	entries := readArchive(t, data)
	if !bytes.Equal(entries["2025-03-07_Jane Smith.wav"], []byte("wav bytes")) {
		t.Errorf("archive missing recording entry, got %v", keysOf(entries))
	}

	var embedded model.ArchiveSummary
	if err := json.Unmarshal(entries["status.json"], &embedded); err != nil {
		t.Fatalf("status.json unmarshal error = %v", err)
	}
	if embedded.SuccessCount != 1 || len(embedded.Statuses) != 3 {
		t.Errorf("embedded summary = %+v", embedded)
	}
}

func keysOf(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

// TestBuildAllFailed verifies a batch with zero successes returns no archive
// bytes but a full accounting.
func TestBuildAllFailed(t *testing.T) {
	b := testBuilder(&fakeBlobs{}, allowAll)

	requests := []model.RecordingRequest{
		{Opco: "RGE", Date: "2025-03-07 14:22:31", Username: "Jane Smith"},
		{Opco: "", Date: "2025-03-07 14:22:31", Username: "Bob Jones"},
	}
	data, summary, err := b.Build(context.Background(), requests)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if data != nil {
		t.Errorf("Build() data = %d bytes, want nil", len(data))
	}
	if summary.SuccessCount != 0 || summary.FailureCount != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

// TestBuildEmptyBatch verifies the empty list is rejected.
func TestBuildEmptyBatch(t *testing.T) {
	b := testBuilder(&fakeBlobs{}, allowAll)
	if _, _, err := b.Build(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Build(nil) error = %v, want ErrEmptyBatch", err)
	}
}

// TestBuildUnknownOpco verifies disabled tenants are recorded as errors.
func TestBuildUnknownOpco(t *testing.T) {
	b := testBuilder(&fakeBlobs{}, func(opco string) bool { return opco == "RGE" })

	_, summary, err := b.Build(context.Background(), []model.RecordingRequest{
		{Opco: "ACME", Date: "2025-03-07 14:22:31", Username: "Jane Smith"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := summary.Statuses[0]
	if got.Status != model.StatusError || !strings.Contains(got.Detail, "ACME") {
		t.Errorf("statuses[0] = %+v, want ERROR naming the opco", got)
	}
}

// TestBuildCopyFailureRecordsEntryName verifies a located recording that
// cannot be read still reports its intended entry name in the accounting.
func TestBuildCopyFailureRecordsEntryName(t *testing.T) {
	blobs := &fakeBlobs{
		listings: map[string][]string{
			"RGE/2025/3/7/": {"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav"},
		},
		// No body for the listed key, so the copy fails after locate.
	}
	b := testBuilder(blobs, allowAll)

	_, summary, err := b.Build(context.Background(), []model.RecordingRequest{
		{Opco: "RGE", Date: "2025-03-07 14:22:31", Username: "Jane Smith"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := summary.Statuses[0]
	if got.Status != model.StatusError || !strings.Contains(got.Detail, "object missing") {
		t.Errorf("statuses[0] = %+v, want ERROR with copy detail", got)
	}
	if got.ZipEntryName != "2025-03-07_Jane Smith.wav" {
		t.Errorf("statuses[0].ZipEntryName = %q, want intended entry name", got.ZipEntryName)
	}
}

// TestBuildDuplicateEntryNames verifies repeated user/date pairs get unique
// archive entry names.
func TestBuildDuplicateEntryNames(t *testing.T) {
	blobs := &fakeBlobs{
		listings: map[string][]string{
			"RGE/2025/3/7/": {"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav"},
		},
		bodies: map[string][]byte{
			"RGE/2025/3/7/CALL-2025-03-07 14-22-31Jane Smith.wav": []byte("wav bytes"),
		},
	}
	b := testBuilder(blobs, allowAll)

	req := model.RecordingRequest{Opco: "RGE", Date: "2025-03-07 14:22:31", Username: "Jane Smith"}
	data, summary, err := b.Build(context.Background(), []model.RecordingRequest{req, req})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if summary.SuccessCount != 2 {
		t.Fatalf("summary.SuccessCount = %d, want 2", summary.SuccessCount)
	}
	entries := readArchive(t, data)
	if _, ok := entries["2025-03-07_Jane Smith.wav"]; !ok {
		t.Errorf("first entry missing, got %v", keysOf(entries))
	}
	if _, ok := entries["2025-03-07_Jane Smith (1).wav"]; !ok {
		t.Errorf("suffixed entry missing, got %v", keysOf(entries))
	}
}
