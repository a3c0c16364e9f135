package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type pingResponse struct {
	OK bool `json:"ok"`
}

func fastClient(opts ...Option) *Client {
	return New("test", append([]Option{WithBaseBackoff(10 * time.Millisecond)}, opts...)...)
}

func TestDoJSON_SendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotCorr, gotType string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get(CorrelationHeader)
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(pingResponse{OK: true})
	}))
	defer server.Close()

	c := fastClient(WithAuthorizer(BearerToken("secret")))
	ctx := WithCorrelationID(context.Background(), "corr-123")

	var out pingResponse
	if err := c.DoJSON(ctx, http.MethodPost, server.URL, map[string]string{"a": "b"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK {
		t.Error("expected decoded response")
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCorr != "corr-123" {
		t.Errorf("%s = %q", CorrelationHeader, gotCorr)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody["a"] != "b" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestRetry_TransientFailure(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("service unavailable"))
			return
		}
		_ = json.NewEncoder(w).Encode(pingResponse{OK: true})
	}))
	defer server.Close()

	var out pingResponse
	err := fastClient(WithMaxRetries(3)).DoJSON(context.Background(), http.MethodGet, server.URL, nil, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := fastClient(WithMaxRetries(2)).DoJSON(context.Background(), http.MethodGet, server.URL, nil, nil)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected ErrServerError, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer server.Close()

	err := fastClient().DoJSON(context.Background(), http.MethodGet, server.URL, nil, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Body != "bad request" {
		t.Errorf("unexpected status error %+v", se)
	}
	if !errors.Is(err, ErrRequestFailed) {
		t.Error("expected ErrRequestFailed")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected 1 attempt (no retries for 400), got %d", attempts)
	}
}

func TestRetry_RateLimited(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(pingResponse{OK: true})
	}))
	defer server.Close()

	if err := fastClient().DoJSON(context.Background(), http.MethodGet, server.URL, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New("test", WithBaseBackoff(time.Second), WithMaxRetries(5))
	start := time.Now()
	err := c.DoJSON(ctx, http.MethodGet, server.URL, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Error("backoff ignored context cancellation")
	}
}

func TestDownload_LimitAndContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte(strings.Repeat("v", 64)))
	}))
	defer server.Close()

	data, ct, err := fastClient().Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 64 || ct != "video/mp4" {
		t.Errorf("got %d bytes, content type %q", len(data), ct)
	}

	_, _, err = fastClient(WithMaxBody(16)).Download(context.Background(), server.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestDownload_BodyAboveDefaultLimit(t *testing.T) {
	const size = defaultMaxBody + 1<<20
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(make([]byte, size))
	}))
	defer server.Close()

	_, _, err := fastClient().Download(context.Background(), server.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("default limit: expected ErrTooLarge, got %v", err)
	}

	data, _, err := fastClient(WithMaxBody(2*defaultMaxBody)).Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("raised limit: unexpected error: %v", err)
	}
	if len(data) != size {
		t.Errorf("got %d bytes, want %d", len(data), size)
	}
}

func TestWithTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := fastClient(WithMaxRetries(0), WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, _, err := c.Download(context.Background(), server.URL); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("request outlived the configured timeout")
	}
}

func TestBase64Limit(t *testing.T) {
	tests := []struct {
		raw  int64
		want int64
	}{
		{0, base64Envelope},
		{1, 4 + base64Envelope},
		{3, 4 + base64Envelope},
		{7 << 20, (7<<20+2)/3*4 + base64Envelope},
	}
	for _, tt := range tests {
		if got := Base64Limit(tt.raw); got != tt.want {
			t.Errorf("Base64Limit(%d) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestStatusError_Retryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false}, {401, false}, {404, false}, {429, true}, {500, true}, {503, true},
	}
	for _, tt := range tests {
		if got := (&StatusError{StatusCode: tt.code}).Retryable(); got != tt.want {
			t.Errorf("StatusError{%d}.Retryable() = %v, want %v", tt.code, got, tt.want)
		}
	}
}
