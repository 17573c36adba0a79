package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/query"
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
)

// ErrInvalidRequest marks request-shape failures: missing fields, bad dates,
// inverted ranges.
var ErrInvalidRequest = errors.New("invalid request")

// Service runs searches and metadata lookups against the tenant registry.
type Service struct {
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a Service backed by the given registry.
func NewService(registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, logger: logger}
}

// Registry exposes the backing registry for wiring.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Search runs a metadata search and projects the matching page into the
// search envelope.
func (s *Service) Search(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	from, to, err := parseRange(req.FromDate, req.ToDate)
	if err != nil {
		return nil, err
	}

	store, opco, err := s.registry.Resolve(req.Opco)
	if err != nil {
		return nil, err
	}

	page, size := req.Pagination.Normalize()

	// A display-name filter resolves to user ids up front. Zero matching
	// users means zero matching records; skip the capture query entirely.
	var userIDs []uuid.UUID
	if req.Filters != nil {
		names := query.CleanStrings(req.Filters.Name)
		if len(names) > 0 {
			userIDs, err = store.FindUserIDsByNameContainsAny(ctx, names)
			if err != nil {
				return nil, fmt.Errorf("resolving name filter: %w", err)
			}
			if len(userIDs) == 0 {
				return emptyResponse(page, size), nil
			}
		}
	}

	pred := query.Build(from, to, req.Filters, userIDs)
	records, total, err := store.SearchCaptures(ctx, pred, page, size)
	if err != nil {
		return nil, fmt.Errorf("searching captures: %w", err)
	}

	names, err := s.resolveNames(ctx, store, records)
	if err != nil {
		return nil, err
	}

	data := make([]model.Metadata, 0, len(records))
	for i := range records {
		rec := &records[i]
		data = append(data, model.CompactMetadata(rec, userName(rec, names), opco))
	}

	return &model.SearchResponse{
		Status:  "200",
		Message: "Success",
		Data:    data,
		Pagination: model.PaginationResponse{
			PageNumber:   page,
			PageSize:     size,
			TotalRecords: total,
			TotalPages:   totalPages(total, size),
		},
	}, nil
}

// GetMetadata returns the full metadata view of one record.
func (s *Service) GetMetadata(ctx context.Context, id uuid.UUID, opco string) (*model.OrderedFields, error) {
	store, _, err := s.registry.Resolve(opco)
	if err != nil {
		return nil, err
	}

	rec, err := store.GetCaptureByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting capture %s: %w", id, err)
	}

	names, err := s.resolveNames(ctx, store, []model.CaptureRecord{*rec})
	if err != nil {
		return nil, err
	}

	return model.FullMetadata(rec, userName(rec, names)), nil
}

// resolveNames batch-resolves the distinct owning users of a record set.
func (s *Service) resolveNames(ctx context.Context, store storage.UserStore, records []model.CaptureRecord) (map[uuid.UUID]string, error) {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for i := range records {
		if records[i].UserID == nil {
			continue
		}
		id := *records[i].UserID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	users, err := store.FindUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving user names: %w", err)
	}
	names := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		names[u.UserID] = u.FullName
	}
	return names, nil
}

func userName(rec *model.CaptureRecord, names map[uuid.UUID]string) string {
	if rec.UserID == nil {
		return ""
	}
	return names[*rec.UserID]
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := model.ParseDateTime(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from_date: %v", ErrInvalidRequest, err)
	}
	to, err := model.ParseDateTime(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to_date: %v", ErrInvalidRequest, err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to_date precedes from_date", ErrInvalidRequest)
	}
	return from, to, nil
}

func emptyResponse(page, size int) *model.SearchResponse {
	return &model.SearchResponse{
		Status:  "200",
		Message: "Success",
		Data:    []model.Metadata{},
		Pagination: model.PaginationResponse{
			PageNumber:   page,
			PageSize:     size,
			TotalRecords: 0,
			TotalPages:   0,
		},
	}
}

func totalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
