// Package archive builds the bulk download ZIP: one entry per located
// recording plus a trailing status.json accounting for every request.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/avangrid-gui/vpi-recordings-go/internal/locator"
	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
)

// ErrEmptyBatch is returned when the request list is empty.
var ErrEmptyBatch = errors.New("empty download batch")

// summaryEntryName is the final entry of every archive.
const summaryEntryName = "status.json"

// BlobReader opens recording blobs for streaming into the archive.
type BlobReader interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Builder assembles download archives in memory.
type Builder struct {
	blobs       BlobReader
	locate      *locator.Locator
	opcoAllowed func(opco string) bool
	logger      *slog.Logger
}

// New creates a Builder. opcoAllowed reports whether an operating company is
// known and enabled; requests for others are recorded as errors.
func New(blobs BlobReader, locate *locator.Locator, opcoAllowed func(string) bool, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{blobs: blobs, locate: locate, opcoAllowed: opcoAllowed, logger: logger}
}

// Build processes the batch sequentially and returns the archive bytes plus
// the per-item accounting. A failed item never aborts the batch. When no item
// succeeds the returned data is nil and only the summary is meaningful.
func (b *Builder) Build(ctx context.Context, requests []model.RecordingRequest) ([]byte, model.ArchiveSummary, error) {
	summary := model.ArchiveSummary{
		BuildID:        ulid.Make().String(),
		GeneratedAt:    time.Now().UTC(),
		TotalRequested: len(requests),
	}
	if len(requests) == 0 {
		return nil, summary, ErrEmptyBatch
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	usedNames := make(map[string]int)

	for _, req := range requests {
		status := b.addRecording(ctx, zw, req, usedNames)
		if status.Status == model.StatusSuccess {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}
		summary.Statuses = append(summary.Statuses, status)
	}

	if summary.SuccessCount == 0 {
		zw.Close()
		b.logger.Info("download batch produced no archive",
			"buildId", summary.BuildID, "requested", summary.TotalRequested)
		return nil, summary, nil
	}

	statusBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, summary, fmt.Errorf("marshaling archive summary: %w", err)
	}
	w, err := zw.Create(summaryEntryName)
	if err != nil {
		return nil, summary, fmt.Errorf("creating %s entry: %w", summaryEntryName, err)
	}
	if _, err := w.Write(statusBytes); err != nil {
		return nil, summary, fmt.Errorf("writing %s entry: %w", summaryEntryName, err)
	}
	if err := zw.Close(); err != nil {
		return nil, summary, fmt.Errorf("closing archive: %w", err)
	}

	return buf.Bytes(), summary, nil
}

// addRecording validates, locates, and copies one recording into the archive,
// returning its status line.
func (b *Builder) addRecording(ctx context.Context, zw *zip.Writer, req model.RecordingRequest, usedNames map[string]int) model.ArchiveItemStatus {
	status := model.ArchiveItemStatus{
		Username: req.Username,
		Date:     req.Date,
		Opco:     req.Opco,
		Status:   model.StatusError,
	}

	ts, err := validateRequest(req, b.opcoAllowed)
	if err != nil {
		status.Detail = err.Error()
		return status
	}

	key, err := b.locate.Locate(ctx, req.Opco, ts, req.Username)
	if err != nil {
		if errors.Is(err, locator.ErrNoRecording) {
			status.Status = model.StatusNotFound
			status.Detail = "No matching audio file found"
			return status
		}
		status.Detail = err.Error()
		return status
	}

	// Once a recording is located its intended entry name is part of the
	// accounting, whether the copy succeeds or not.
	entryName := entryName(ts, req.Username, usedNames)
	status.ZipEntryName = entryName

	body, err := b.blobs.GetStream(ctx, key)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	defer body.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	if _, err := io.Copy(w, body); err != nil {
		status.Detail = err.Error()
		return status
	}

	status.Status = model.StatusSuccess
	return status
}

// validateRequest applies the same per-field required-ness as a single fetch.
func validateRequest(req model.RecordingRequest, opcoAllowed func(string) bool) (time.Time, error) {
	if strings.TrimSpace(req.Opco) == "" {
		return time.Time{}, errors.New("opco is required")
	}
	if opcoAllowed != nil && !opcoAllowed(req.Opco) {
		return time.Time{}, fmt.Errorf("unknown opco %q", req.Opco)
	}
	if strings.TrimSpace(req.Username) == "" {
		return time.Time{}, errors.New("username is required")
	}
	ts, err := model.ParseDateTime(req.Date)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// entryName builds the archive entry name for one recording, suffixing
// repeats so names stay unique within the archive.
func entryName(ts time.Time, username string, used map[string]int) string {
	base := fmt.Sprintf("%s_%s", ts.Format("2006-01-02"), username)
	name := base + ".wav"
	if n := used[base]; n > 0 {
		name = fmt.Sprintf("%s (%d).wav", base, n)
	}
	used[base]++
	return name
}
