package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
)

var searchWindow = struct{ from, to string }{"2025-03-01 00:00:00", "2025-03-31 23:59:59"}

// newFixture seeds one tenant with two users and three captures.
func newFixture(t *testing.T) (*Service, *storage.Memory, uuid.UUID, uuid.UUID, []uuid.UUID) {
	t.Helper()
	mem := storage.NewMemory()

	smith := uuid.New()
	jones := uuid.New()
	mem.AddUser(model.UserRecord{UserID: smith, FullName: "Jane Smith"})
	mem.AddUser(model.UserRecord{UserID: jones, FullName: "Bob Jones"})

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ids := make([]uuid.UUID, 3)
	for i := 0; i < 3; i++ {
		ids[i] = uuid.New()
	}
	mem.AddCapture(model.CaptureRecord{
		ObjectID: ids[0], DateAdded: base, StartTime: base,
		UserID: &smith, Direction: "0", ExtensionNum: "4521", ChannelNum: 7,
		AniAliDigits: "2075551000", CallID: "call-a", ChannelName: "trunk-1",
	})
	mem.AddCapture(model.CaptureRecord{
		ObjectID: ids[1], DateAdded: base.Add(time.Hour), StartTime: base.Add(time.Hour),
		UserID: &jones, Direction: "1", ExtensionNum: "9900", ChannelNum: 12,
		AniAliDigits: "2075552000", CallID: "call-b", ChannelName: "trunk-2",
	})
	mem.AddCapture(model.CaptureRecord{
		ObjectID: ids[2], DateAdded: base.Add(2 * time.Hour), StartTime: base.Add(2 * time.Hour),
		Direction: "0", ExtensionNum: "4599", ChannelNum: 7,
		AniAliDigits: "6175553000", CallID: "call-c", ChannelName: "trunk-1",
	})

	reg := NewRegistry()
	reg.Bind("RGE", mem)
	return NewService(reg, nil), mem, smith, jones, ids
}

// TestSearchAllRecords verifies the plain date-range search and its envelope.
func TestSearchAllRecords(t *testing.T) {
	svc, _, smith, _, ids := newFixture(t)

	resp, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "rge",
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Status != "200" || resp.Message != "Success" {
		t.Errorf("envelope = %s/%s", resp.Status, resp.Message)
	}
	if len(resp.Data) != 3 {
		t.Fatalf("Search() len = %d, want 3", len(resp.Data))
	}
	// Newest first.
	if resp.Data[0].ObjectID != ids[2] || resp.Data[2].ObjectID != ids[0] {
		t.Errorf("Search() order = %v", resp.Data)
	}
	if resp.Data[2].UserName != "Jane Smith" || resp.Data[2].UserID == nil || *resp.Data[2].UserID != smith {
		t.Errorf("Search() user resolution = %+v", resp.Data[2])
	}
	if resp.Data[0].UserName != "" {
		t.Errorf("Search() unowned record userName = %q, want empty", resp.Data[0].UserName)
	}
	if resp.Data[2].Opco != "RGE" {
		t.Errorf("Search() opco = %q, want canonical RGE", resp.Data[2].Opco)
	}
	if resp.Pagination.TotalRecords != 3 || resp.Pagination.TotalPages != 1 ||
		resp.Pagination.PageNumber != 1 || resp.Pagination.PageSize != 20 {
		t.Errorf("Search() pagination = %+v", resp.Pagination)
	}
}

// TestSearchPagination verifies page math in the envelope.
func TestSearchPagination(t *testing.T) {
	svc, _, _, _, _ := newFixture(t)

	resp, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "RGE",
		Pagination: &model.PaginationRequest{PageNumber: 2, PageSize: 2},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Data) != 1 {
		t.Errorf("Search() page 2 len = %d, want 1", len(resp.Data))
	}
	if resp.Pagination.TotalRecords != 3 || resp.Pagination.TotalPages != 2 {
		t.Errorf("Search() pagination = %+v", resp.Pagination)
	}
}

// TestSearchNameFilter verifies the display-name filter constrains by the
// resolved user ids.
func TestSearchNameFilter(t *testing.T) {
	svc, _, _, jones, ids := newFixture(t)

	resp, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "RGE",
		Filters: &model.FiltersRequest{Name: []string{"jones"}},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ObjectID != ids[1] {
		t.Fatalf("Search() = %+v, want only the Jones record", resp.Data)
	}
	if resp.Data[0].UserID == nil || *resp.Data[0].UserID != jones {
		t.Errorf("Search() userID = %v", resp.Data[0].UserID)
	}
}

// TestSearchNameFilterNoMatch verifies an unmatched name short-circuits to an
// empty page without touching the capture store.
func TestSearchNameFilterNoMatch(t *testing.T) {
	svc, _, _, _, _ := newFixture(t)

	resp, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "RGE",
		Filters: &model.FiltersRequest{Name: []string{"nobody"}},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("Search() len = %d, want 0", len(resp.Data))
	}
	if resp.Pagination.TotalRecords != 0 || resp.Pagination.TotalPages != 0 {
		t.Errorf("Search() pagination = %+v", resp.Pagination)
	}
}

// TestSearchFilters verifies direction and extension filters.
func TestSearchFilters(t *testing.T) {
	svc, _, _, _, ids := newFixture(t)

	outbound := 1
	resp, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "RGE",
		Filters: &model.FiltersRequest{Direction: &outbound},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ObjectID != ids[1] {
		t.Errorf("Search() direction filter = %+v", resp.Data)
	}

	resp, err = svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "RGE",
		Filters: &model.FiltersRequest{ExtensionNum: []string{"45"}},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Data) != 2 {
		t.Errorf("Search() extension filter len = %d, want 2", len(resp.Data))
	}
}

// TestSearchInvalidRange verifies bad dates and inverted ranges are rejected.
func TestSearchInvalidRange(t *testing.T) {
	svc, _, _, _, _ := newFixture(t)

	_, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: "03/10/2025", ToDate: searchWindow.to, Opco: "RGE",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Search() bad date error = %v, want ErrInvalidRequest", err)
	}

	_, err = svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.to, ToDate: searchWindow.from, Opco: "RGE",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Search() inverted range error = %v, want ErrInvalidRequest", err)
	}
}

// TestSearchUnknownOpco verifies unprovisioned tenants are rejected.
func TestSearchUnknownOpco(t *testing.T) {
	svc, _, _, _, _ := newFixture(t)

	_, err := svc.Search(context.Background(), model.SearchRequest{
		FromDate: searchWindow.from, ToDate: searchWindow.to, Opco: "ACME",
	})
	if !errors.Is(err, ErrUnknownOpco) {
		t.Errorf("Search() error = %v, want ErrUnknownOpco", err)
	}
}

// TestGetMetadataFull verifies the full view: field order, user resolution,
// raw timestamps.
func TestGetMetadataFull(t *testing.T) {
	svc, _, _, _, ids := newFixture(t)

	fields, err := svc.GetMetadata(context.Background(), ids[0], "RGE")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	body := string(data)
	if !strings.HasPrefix(body, `{"objectId":`) {
		t.Errorf("full metadata does not start with objectId: %s", body[:40])
	}
	if strings.Index(body, `"userId"`) > strings.Index(body, `"startTime"`) {
		t.Errorf("identifier fields not ahead of timing fields: %s", body)
	}
	if !strings.Contains(body, `"userName":"Jane Smith"`) {
		t.Errorf("full metadata missing resolved userName: %s", body)
	}
	if name, _ := fields.Get("channelName"); name != "trunk-1" {
		t.Errorf("channelName = %v", name)
	}
	if fields.Len() != 37 {
		t.Errorf("full metadata field count = %d, want 37", fields.Len())
	}
}

// TestGetMetadataNotFound verifies the storage sentinel passes through.
func TestGetMetadataNotFound(t *testing.T) {
	svc, _, _, _, _ := newFixture(t)

	if _, err := svc.GetMetadata(context.Background(), uuid.New(), "RGE"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMetadata() error = %v, want storage.ErrNotFound", err)
	}
}
