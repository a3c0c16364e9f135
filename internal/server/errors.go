package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/generator"
	"github.com/vividflow/vividflow-api/internal/job"
)

var errUnsupportedMediaType = errors.New("content type must be application/json, multipart/form-data or application/x-www-form-urlencoded")

// malformedBodyError is a body that could not be parsed at all.
type malformedBodyError struct {
	msg string
	err error
}

func (e *malformedBodyError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *malformedBodyError) Unwrap() error { return e.err }

func bodyError(err error, msg string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &job.ValidationError{Field: "body", Reason: fmt.Sprintf("request body must be at most %d bytes", mbe.Limit)}
	}
	return &malformedBodyError{msg: msg, err: err}
}

// validationFromValidator reports the first failing DTO field.
func validationFromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &job.ValidationError{Field: "body", Reason: err.Error()}
	}
	fe := verrs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "url":
		reason = "must be an absolute URL"
	case "base64":
		reason = "must be valid base64"
	case "max":
		reason = "must be at most " + fe.Param() + " characters"
	}
	return &job.ValidationError{Field: fe.Field(), Reason: reason}
}

// writeServiceError maps domain errors onto status codes. Unexpected errors
// are logged with the request ID and answered with a generic 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *job.ValidationError
		gerr *generator.Error
		merr *malformedBodyError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Code: "VALIDATION_ERROR", Field: verr.Field})
	case errors.As(err, &gerr) && gerr.Kind == job.KindPrecondition:
		writeError(w, http.StatusBadRequest, gerr.Message, "PRECONDITION_FAILED")
	case errors.As(err, &gerr) && gerr.Kind == job.KindInvalidInput:
		writeError(w, http.StatusBadRequest, gerr.Message, "VALIDATION_ERROR")
	case errors.As(err, &merr):
		writeError(w, http.StatusBadRequest, merr.msg, "INVALID_BODY")
	case errors.Is(err, errUnsupportedMediaType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error(), "UNSUPPORTED_MEDIA_TYPE")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "missing or invalid API key", "UNAUTHORIZED")
	case errors.Is(err, job.ErrForbidden):
		writeError(w, http.StatusForbidden, "access to this job is not allowed", "FORBIDDEN")
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrNotCancellable):
		writeError(w, http.StatusConflict, job.ErrNotCancellable.Error(), "CANNOT_CANCEL")
	case errors.Is(err, job.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, job.ErrAlreadyTerminal.Error(), "ALREADY_TERMINAL")
	case errors.Is(err, job.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, job.ErrQuotaExceeded.Error(), "QUOTA_EXCEEDED")
	case errors.Is(err, job.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, job.ErrQueueFull.Error(), "QUEUE_FULL")
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestIDFrom(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}
