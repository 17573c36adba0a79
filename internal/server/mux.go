// Package server implements the HTTP surface of the recordings service:
// metadata search, single-recording fetch with transcoding, and bulk ZIP
// download, behind JWT authentication and schema validation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avangrid-gui/vpi-recordings-go/internal/archive"
	errordefs "github.com/avangrid-gui/vpi-recordings-go/internal/errors"
	"github.com/avangrid-gui/vpi-recordings-go/internal/event"
	"github.com/avangrid-gui/vpi-recordings-go/internal/jwks"
	"github.com/avangrid-gui/vpi-recordings-go/internal/locator"
	"github.com/avangrid-gui/vpi-recordings-go/internal/media"
	"github.com/avangrid-gui/vpi-recordings-go/internal/metrics"
	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/schema"
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
	"github.com/avangrid-gui/vpi-recordings-go/internal/tenant"
	"github.com/avangrid-gui/vpi-recordings-go/internal/transcode"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // JWT subject of the caller
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

const tracerName = "vpi-recordings"

// Mux handles HTTP requests for the recordings service. It owns the
// per-request plumbing (auth, correlation, CORS, metrics) and delegates the
// domain work to the tenant service, locator, transcoder, and archive builder.
type Mux struct {
	mux *http.ServeMux

	svc     *tenant.Service
	blobs   media.BlobStore
	loc     *locator.Locator
	tr      *transcode.Transcoder
	builder *archive.Builder
	p       event.Publisher

	jwksClient  *jwks.Client
	jwtIssuer   string
	jwtAudience string

	validator *schema.Validator
	metrics   *metrics.Metrics

	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with all service endpoints registered.
func NewMux(svc *tenant.Service, blobs media.BlobStore, loc *locator.Locator, tr *transcode.Transcoder, builder *archive.Builder, p event.Publisher, jwksClient *jwks.Client, jwtIssuer, jwtAudience string, corsAllowedOrigins []string) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		svc:                svc,
		blobs:              blobs,
		loc:                loc,
		tr:                 tr,
		builder:            builder,
		p:                  p,
		jwksClient:         jwksClient,
		jwtIssuer:          jwtIssuer,
		jwtAudience:        jwtAudience,
		validator:          validator,
		metrics:            metrics.NewMetrics(),
		corsAllowedOrigins: corsAllowedOrigins,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/api/v1/search", m.method("POST", m.withMiddleware(m.handleSearch)))
	m.mux.HandleFunc("/api/v1/metadata", m.method("GET", m.withMiddleware(m.handleMetadata)))
	m.mux.HandleFunc("/api/v1/recording", m.method("POST", m.withMiddleware(m.handleRecording)))
	m.mux.HandleFunc("/api/v1/download", m.method("POST", m.withMiddleware(m.handleDownload)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			h(w, r)
			return
		}
		if r.Method != method {
			err := errordefs.New(errordefs.VPI_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.setCORSHeaders(w, r)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		sub, err := m.validateJWT(r)
		if err != nil {
			var errorDef *errordefs.Error
			if e, ok := err.(*errordefs.Error); ok {
				errorDef = e
				errorDef.CorrelationID = correlationID
			} else {
				errorDef = errordefs.New(errordefs.VPI_AUTHN, err.Error(), correlationID)
			}
			m.writeErrorDef(rec, errorDef)
			m.finishRequest(r, rec.status, time.Since(start), correlationID, err)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, sub))

		h(rec, r)
		m.finishRequest(r, rec.status, time.Since(start), correlationID, nil)
	}
}

// setCORSHeaders applies the configured origin allow-list.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if r.Method == "OPTIONS" {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")
	}
}

// validateJWT validates a bearer token and extracts the subject using JWKS
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.VPI_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.VPI_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.VPI_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.VPI_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.VPI_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.VPI_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "key"):
			return "", errordefs.New(errordefs.VPI_JWT_INVALID, "failed to get key for JWT validation", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.VPI_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.VPI_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errordefs.New(errordefs.VPI_JWT_INVALID, "missing or invalid sub claim", "")
	}

	return sub, nil
}

// writeJSON writes a JSON response body with the given status code
func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}
	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}
	m.writeJSON(w, statusCode, response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// finishRequest records request metrics and logs the outcome.
func (m *Mux) finishRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	statusStr := strconv.Itoa(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, statusStr).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, statusStr).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if sub, ok := r.Context().Value(ContextKeySubject).(string); ok && sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// correlationID pulls the request correlation ID from the context.
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// readValidated reads the request body and validates it against the named
// JSON schema before unmarshaling.
func (m *Mux) readValidated(r *http.Request, schemaName string, dst interface{}) *errordefs.Error {
	defer r.Body.Close()
	cid := correlationID(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errordefs.New(errordefs.VPI_BAD_REQUEST, "failed to read request body", cid)
	}
	if err := m.validator.Validate(schemaName, body); err != nil {
		return errordefs.NewWithDetails(errordefs.VPI_SCHEMA_REJECT, "request failed schema validation", cid, err.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.VPI_VALIDATION, "invalid JSON", cid)
	}
	return nil
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Probe each tenant store with a lookup that is expected to miss.
	// ErrNotFound means the store answered; anything else is a failure.
	for _, opco := range m.svc.Registry().Opcos() {
		store, _, err := m.svc.Registry().Resolve(opco)
		if err != nil {
			continue
		}
		if _, err := store.GetCaptureByID(ctx, uuid.Nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSearch handles POST /api/v1/search
func (m *Mux) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleSearch")
	defer span.End()

	var req model.SearchRequest
	if errDef := m.readValidated(r, schema.SearchRequest, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("opco", req.Opco),
		attribute.String("from_date", req.FromDate),
		attribute.String("to_date", req.ToDate),
		attribute.Bool("has_filters", req.Filters != nil),
	)

	start := time.Now()
	resp, err := m.svc.Search(ctx, req)
	if err != nil {
		cid := correlationID(ctx)
		span.SetStatus(codes.Error, "search failed")
		m.metrics.SearchTotal.WithLabelValues(req.Opco, "error").Inc()
		switch {
		case errors.Is(err, tenant.ErrInvalidRequest), errors.Is(err, tenant.ErrUnknownOpco):
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, err.Error(), cid))
		default:
			slog.Error("search failed", "error", err, "correlation_id", cid)
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "search failed", cid))
		}
		return
	}

	m.metrics.SearchTotal.WithLabelValues(req.Opco, "ok").Inc()
	m.metrics.SearchDuration.WithLabelValues(req.Opco, "ok").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("total_records", resp.Pagination.TotalRecords))

	m.writeJSON(w, http.StatusOK, resp)
}

// handleMetadata handles GET /api/v1/metadata
func (m *Mux) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleMetadata")
	defer span.End()
	cid := correlationID(ctx)

	idStr := r.URL.Query().Get("id")
	opco := r.URL.Query().Get("opco")
	if idStr == "" || opco == "" {
		span.SetStatus(codes.Error, "id and opco are required")
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "id and opco are required", cid))
		return
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		span.SetStatus(codes.Error, "invalid id")
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "id must be a valid uuid", cid))
		return
	}

	span.SetAttributes(
		attribute.String("id", idStr),
		attribute.String("opco", opco),
	)

	fields, err := m.svc.GetMetadata(ctx, id, opco)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_NOT_FOUND, "recording metadata not found", cid))
		case errors.Is(err, tenant.ErrUnknownOpco):
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, err.Error(), cid))
		default:
			slog.Error("metadata fetch failed", "error", err, "correlation_id", cid)
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "failed to fetch metadata", cid))
		}
		return
	}

	m.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "200",
		"message": "Success",
		"data":    fields,
	})
}

// handleRecording handles POST /api/v1/recording
func (m *Mux) handleRecording(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleRecording")
	defer span.End()
	cid := correlationID(ctx)

	var req model.RecordingRequest
	if errDef := m.readValidated(r, schema.RecordingRequest, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("opco", req.Opco),
		attribute.String("date", req.Date),
	)

	opco := strings.ToUpper(strings.TrimSpace(req.Opco))
	if !m.svc.Registry().Allowed(opco) {
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "unknown or disabled operating company", cid))
		return
	}

	ts, err := model.ParseDateTime(req.Date)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "date must use format yyyy-MM-dd HH:mm:ss", cid))
		return
	}

	key, err := m.loc.Locate(ctx, opco, ts, req.Username)
	if err != nil {
		if errors.Is(err, locator.ErrNoRecording) {
			m.metrics.LocateTotal.WithLabelValues(opco, "miss").Inc()
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_NOT_FOUND, "no matching recording", cid))
			return
		}
		slog.Error("recording lookup failed", "error", err, "correlation_id", cid)
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "failed to locate recording", cid))
		return
	}
	m.metrics.LocateTotal.WithLabelValues(opco, "hit").Inc()
	span.SetAttributes(attribute.String("blob_key", key))

	audio, err := m.blobs.GetBytes(ctx, key)
	if err != nil {
		slog.Error("failed to read recording blob", "key", key, "error", err, "correlation_id", cid)
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "failed to read recording", cid))
		return
	}

	start := time.Now()
	m.metrics.TranscodeActive.Inc()
	mp3, err := m.tr.Transcode(ctx, audio)
	m.metrics.TranscodeActive.Dec()
	if err != nil {
		m.metrics.TranscodeTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, "transcode failed")
		var procErr *transcode.ProcessError
		switch {
		case errors.Is(err, transcode.ErrTimeout):
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_TIMEOUT, "audio conversion timed out", cid))
		case errors.Is(err, transcode.ErrEmptyInput):
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "recording audio is empty", cid))
		case errors.As(err, &procErr):
			// Codec diagnostics stay in the server log; callers get a
			// generic message.
			slog.Error("transcode failed", "exit_code", procErr.ExitCode, "stderr", procErr.Stderr, "key", key, "correlation_id", cid)
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_PROCESSING, "audio conversion failed", cid))
		default:
			slog.Error("transcode failed", "error", err, "correlation_id", cid)
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "audio conversion failed", cid))
		}
		return
	}
	m.metrics.TranscodeTotal.WithLabelValues("ok").Inc()
	m.metrics.TranscodeDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if err := m.p.PublishRecordingFetched(ctx, opco, key, cid); err != nil {
		slog.Warn("failed to publish recording fetched event", "error", err)
	}

	filename := strings.TrimSuffix(req.Username, ".wav") + ".mp3"
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(mp3)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mp3)
}

// handleDownload handles POST /api/v1/download
func (m *Mux) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleDownload")
	defer span.End()
	cid := correlationID(ctx)

	var requests []model.RecordingRequest
	if errDef := m.readValidated(r, schema.DownloadRequest, &requests); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}

	span.SetAttributes(attribute.Int("batch_size", len(requests)))

	data, summary, err := m.builder.Build(ctx, requests)
	if err != nil {
		if errors.Is(err, archive.ErrEmptyBatch) {
			m.writeErrorDef(w, errordefs.New(errordefs.VPI_VALIDATION, "download batch is empty", cid))
			return
		}
		span.SetStatus(codes.Error, "archive build failed")
		m.metrics.ArchiveBuildTotal.WithLabelValues("error").Inc()
		slog.Error("archive build failed", "error", err, "correlation_id", cid)
		m.writeErrorDef(w, errordefs.New(errordefs.VPI_INTERNAL, "failed to build archive", cid))
		return
	}

	for _, st := range summary.Statuses {
		m.metrics.ArchiveItemTotal.WithLabelValues(st.Status).Inc()
	}
	span.SetAttributes(
		attribute.Int("success_count", summary.SuccessCount),
		attribute.Int("failure_count", summary.FailureCount),
	)

	if err := m.p.PublishArchiveBuilt(ctx, summary, cid); err != nil {
		slog.Warn("failed to publish archive built event", "error", err)
	}

	if data == nil {
		m.metrics.ArchiveBuildTotal.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.metrics.ArchiveBuildTotal.WithLabelValues("ok").Inc()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="recordings.zip"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
