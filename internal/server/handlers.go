package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/imagesrc"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/promptcheck"
	"github.com/vividflow/vividflow-api/internal/storage"
)

const (
	// maxFormMemory bounds the multipart parts kept in memory.
	maxFormMemory = 1 << 20
	// maxBodyBytes bounds a generate request: the largest image as base64
	// plus room for the other fields.
	maxBodyBytes = (job.MaxImageBytes+2)/3*4 + 2<<20
)

// reservedFields are form fields that are not provider options.
var reservedFields = map[string]bool{
	"model":           true,
	"prompt":          true,
	"negative_prompt": true,
	"image_url":       true,
	"image":           true,
	auth.QueryAPIKey:  true,
}

// ObjectReader opens stored objects for the /media route.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   *job.Service
	keys      *auth.KeyStore
	objects   ObjectReader
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMedia serves locally stored objects under /media/.
func WithMedia(objects ObjectReader) HandlerOption {
	return func(h *Handlers) { h.objects = objects }
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.Service, keys *auth.KeyStore, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	h := &Handlers{
		service:   service,
		keys:      keys,
		validator: v,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Generate handles POST /api/v1/generate. It accepts JSON, multipart and
// URL-encoded bodies and returns as soon as the job is queued.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	req, err := h.decodeGenerate(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	sub, err := h.service.Submit(r.Context(), user, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	advice := promptcheck.Check(sub.Job.Prompt)
	writeJSON(w, http.StatusAccepted, GenerateResponse{
		JobID:         sub.Job.ID,
		Status:        string(sub.Job.Status),
		CorrelationID: sub.Job.CorrelationID,
		QueuePosition: sub.QueuePosition,
		PromptAdvice:  &advice,
	})
}

func (h *Handlers) decodeGenerate(r *http.Request) (job.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req job.SubmitRequest
	switch mediaType {
	case "application/json":
		var body GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, bodyError(err, "invalid JSON body")
		}
		if err := h.validator.Struct(body); err != nil {
			return req, validationFromValidator(err)
		}
		req = job.SubmitRequest{
			Provider:       body.Model,
			Prompt:         body.Prompt,
			NegativePrompt: body.NegativePrompt,
			Parameters:     body.Parameters,
			ImageURL:       body.ImageURL,
		}
		if body.ImageBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(body.ImageBase64)
			if err != nil {
				return req, &job.ValidationError{Field: "image_base64", Reason: "must be valid base64"}
			}
			req.ImageData = data
		}

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return req, bodyError(err, "invalid multipart body")
		}
		req = formRequest(r)
		file, header, err := r.FormFile("image")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return req, bodyError(err, "invalid image upload")
		default:
			defer func() { _ = file.Close() }()
			data, err := io.ReadAll(io.LimitReader(file, job.MaxImageBytes+1))
			if err != nil {
				return req, bodyError(err, "invalid image upload")
			}
			req.ImageData = data
			req.ImageName = header.Filename
		}

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, bodyError(err, "invalid form body")
		}
		req = formRequest(r)

	default:
		return req, errUnsupportedMediaType
	}

	// Sniff an upload only when it is the sole source and within the limit;
	// the service reports the other cases.
	if len(req.ImageData) > 0 && strings.TrimSpace(req.ImageURL) == "" && len(req.ImageData) <= job.MaxImageBytes {
		if _, err := imagesrc.Sniff(req.ImageData); err != nil {
			return req, &job.ValidationError{Field: "image", Reason: "must be a PNG, JPEG or WebP image"}
		}
	}
	return req, nil
}

// formRequest reads the well-known fields and treats every other non-empty
// field as a provider option.
func formRequest(r *http.Request) job.SubmitRequest {
	req := job.SubmitRequest{
		Provider:       r.PostFormValue("model"),
		Prompt:         r.PostFormValue("prompt"),
		NegativePrompt: r.PostFormValue("negative_prompt"),
		ImageURL:       r.PostFormValue("image_url"),
		Parameters:     job.Parameters{},
	}
	for name, values := range r.PostForm {
		if reservedFields[name] || len(values) == 0 || strings.TrimSpace(values[0]) == "" {
			continue
		}
		req.Parameters[name] = strings.TrimSpace(values[0])
	}
	return req
}

// GetStatus handles GET /api/v1/status/{job_id}.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	j, err := h.service.Get(r.Context(), mustUser(r), r.PathValue("job_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

// Cancel handles POST /api/v1/cancel/{job_id}.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.service.Cancel(r.Context(), mustUser(r), r.PathValue("job_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

// History handles GET /api/v1/history?limit=N.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeServiceError(w, r, &job.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}

	jobs, err := h.service.History(r.Context(), mustUser(r), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := HistoryResponse{Jobs: make([]JobResponse, 0, len(jobs)), Count: len(jobs)}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Usage handles GET /api/v1/usage.
func (h *Handlers) Usage(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	u, err := h.service.Usage(r.Context(), user)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{UserID: user, Usage: *u})
}

// PromptCheck handles POST /api/v1/prompt-check.
func (h *Handlers) PromptCheck(w http.ResponseWriter, r *http.Request) {
	var req PromptCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeServiceError(w, r, bodyError(err, "invalid JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeServiceError(w, r, validationFromValidator(err))
		return
	}
	writeJSON(w, http.StatusOK, promptcheck.Check(req.Prompt))
}

// Models handles GET /api/v1/models.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{Models: h.service.Providers()})
}

// AdminStats handles GET /api/v1/admin/stats. It requires X-Admin-Key.
func (h *Handlers) AdminStats(w http.ResponseWriter, r *http.Request) {
	if !h.keys.IsAdmin(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid admin key", "UNAUTHORIZED")
		return
	}
	counts, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := StatsResponse{Jobs: make(map[string]int, len(job.Statuses))}
	for _, st := range job.Statuses {
		resp.Jobs[string(st)] = counts[st]
		resp.Total += counts[st]
	}
	writeJSON(w, http.StatusOK, resp)
}

// Media handles GET /media/{key...} for the local object store.
func (h *Handlers) Media(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		return
	}
	key := r.PathValue("key")
	rc, err := h.objects.GetObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
			return
		}
		h.writeServiceError(w, r, fmt.Errorf("open media %s: %w", key, err))
		return
	}
	defer func() { _ = rc.Close() }()

	if strings.HasSuffix(key, ".mp4") {
		w.Header().Set("Content-Type", "video/mp4")
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream media", slog.String("key", key), slog.Any("error", err))
	}
}

// mustUser returns the user set by AuthMiddleware. Routes using it are
// always wrapped by that middleware.
func mustUser(r *http.Request) string {
	user, _ := auth.UserFrom(r.Context())
	return user
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
