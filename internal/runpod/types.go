// Package runpod provides an HTTP client for a RunPod serverless endpoint
// running the Wan 2.1 image-to-video worker.
package runpod

import (
	"encoding/json"
	"strings"
)

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// IsKnown reports whether s is one of the documented statuses.
func (s Status) IsKnown() bool {
	switch s {
	case StatusInQueue, StatusRunning, StatusInProgress:
		return true
	}
	return s.IsTerminal()
}

// Input is the worker input for one image-to-video generation.
type Input struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ImageBase64    string  `json:"image_base64"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	NumFrames      int     `json:"num_frames"`
	NumSteps       int     `json:"num_steps"`
	Seed           int64   `json:"seed"`
	GuidanceScale  float64 `json:"guidance_scale"`
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input Input `json:"input"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// PollResult contains the result of polling a job's status.
type PollResult struct {
	Status Status
	// Output is the raw worker output (only meaningful when Status is StatusCompleted).
	Output json.RawMessage
	// Error is the failure text reported by RunPod (only set when Status is StatusFailed).
	Error string
	// DelayTime and ExecutionTime are reported by RunPod in milliseconds.
	DelayTime     int64
	ExecutionTime int64
}

// Output is the normalized worker output.
type Output struct {
	VideoBase64 string
	VideoURL    string
	Error       string
	// Extra holds scalar fields the worker attached besides the video.
	Extra map[string]any
}

// IsEmpty reports whether the output carries neither a video nor an error.
func (o Output) IsEmpty() bool {
	return o.VideoBase64 == "" && o.VideoURL == "" && o.Error == ""
}

// ParseOutput normalizes the shapes Wan workers return: a list (first
// element wins), an object with video_base64/video/video_url/url/error, or a
// bare string holding base64, a data URL or an http(s) URL.
func ParseOutput(raw json.RawMessage) (Output, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Output{}, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return Output{}, err
	}
	return parseValue(value), nil
}

func parseValue(v any) Output {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return Output{}
		}
		return parseValue(t[0])
	case string:
		return parseString(t)
	case map[string]any:
		var out Output
		for _, key := range []string{"video_base64", "video", "video_url", "url"} {
			if s, ok := t[key].(string); ok && s != "" {
				out = parseString(s)
				break
			}
		}
		if s, ok := t["error"].(string); ok {
			out.Error = s
		}
		for k, val := range t {
			switch k {
			case "video_base64", "video", "video_url", "url", "error":
				continue
			}
			switch val.(type) {
			case string, float64, bool:
				if out.Extra == nil {
					out.Extra = make(map[string]any)
				}
				out.Extra[k] = val
			}
		}
		return out
	}
	return Output{}
}

func parseString(s string) Output {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Output{}
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Output{VideoURL: s}
	case strings.HasPrefix(s, "data:"):
		if _, payload, ok := strings.Cut(s, ","); ok {
			return Output{VideoBase64: payload}
		}
		return Output{}
	}
	return Output{VideoBase64: s}
}
