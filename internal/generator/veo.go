package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/vividflow/vividflow-api/internal/apiclient"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/veo"
)

// VeoLimits are the deployment-specific enumerations for veo3.1 options.
type VeoLimits struct {
	Durations   []int
	Resolutions []string
}

// DefaultVeoLimits returns the enumerations accepted when none are configured.
func DefaultVeoLimits() VeoLimits {
	return VeoLimits{Durations: []int{4, 6, 8}, Resolutions: []string{"720p", "1080p"}}
}

// Veo adapts Vertex AI Veo 3.1 to Provider.
type Veo struct {
	adapterConfig
	client veo.Client
	limits VeoLimits
}

// NewVeo creates the veo3.1 adapter.
func NewVeo(client veo.Client, limits VeoLimits, opts ...Option) *Veo {
	def := DefaultVeoLimits()
	if len(limits.Durations) == 0 {
		limits.Durations = def.Durations
	}
	if len(limits.Resolutions) == 0 {
		limits.Resolutions = def.Resolutions
	}
	return &Veo{adapterConfig: newAdapterConfig(job.ProviderVeo, opts), client: client, limits: limits}
}

// Name implements Provider.
func (v *Veo) Name() string { return job.ProviderVeo }

// Validate implements Provider. enhance_prompt=false is a precondition
// failure, not a validation error.
func (v *Veo) Validate(params job.Parameters) error {
	_, err := v.options(params, "")
	return err
}

func (v *Veo) options(params job.Parameters, correlationID string) (VeoOptions, error) {
	opts := DefaultVeoOptions()
	if err := decodeOptions(params, &opts); err != nil {
		return opts, err
	}
	if !opts.EnhancePrompt {
		return opts, &Error{
			Kind:          job.KindPrecondition,
			Provider:      v.Name(),
			CorrelationID: correlationID,
			Message:       "enhance_prompt must be true for veo3.1",
		}
	}
	if !slices.Contains(v.limits.Durations, opts.DurationSeconds) {
		allowed := make([]string, len(v.limits.Durations))
		for i, d := range v.limits.Durations {
			allowed[i] = strconv.Itoa(d)
		}
		return opts, &job.ValidationError{
			Field:  "duration_seconds",
			Reason: "must be one of " + strings.Join(allowed, ", "),
		}
	}
	if !slices.Contains(v.limits.Resolutions, opts.Resolution) {
		return opts, &job.ValidationError{
			Field:  "resolution",
			Reason: "must be one of " + strings.Join(v.limits.Resolutions, ", "),
		}
	}
	return opts, nil
}

// Submit implements Provider.
func (v *Veo) Submit(ctx context.Context, req Request) (Handle, error) {
	opts, err := v.options(req.Parameters, req.CorrelationID)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return Handle{}, ge
		}
		return Handle{}, invalidInput(v.Name(), req.CorrelationID, err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Handle{}, invalidInput(v.Name(), req.CorrelationID, errors.New("prompt is required"))
	}
	if len(req.Image) == 0 {
		return Handle{}, invalidInput(v.Name(), req.CorrelationID, errors.New("image is required"))
	}

	mime := req.ImageMIME
	if mime == "" {
		mime = "image/png"
	}

	body := veo.PredictRequest{
		Instances: []veo.Instance{{
			Prompt: buildVeoPrompt(req.Prompt, opts),
			Image: &veo.Image{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.Image),
				MimeType:           mime,
			},
		}},
		Parameters: veo.Parameters{
			AspectRatio:      opts.AspectRatio,
			DurationSeconds:  opts.DurationSeconds,
			Resolution:       opts.Resolution,
			SampleCount:      1,
			PersonGeneration: "allow_adult",
			EnhancePrompt:    opts.EnhancePrompt,
			GenerateAudio:    opts.GenerateAudio,
			NegativePrompt:   req.NegativePrompt,
		},
	}

	log := v.logger.With(slog.String("correlation_id", req.CorrelationID))
	log.Debug("submitting to vertex",
		slog.Int("duration_seconds", opts.DurationSeconds),
		slog.String("resolution", opts.Resolution),
		slog.Bool("append_keywords", opts.AppendKeywords),
	)

	name, err := v.client.Predict(apiclient.WithCorrelationID(ctx, req.CorrelationID), body)
	if err != nil {
		return Handle{}, transportError(v.Name(), req.CorrelationID, "predict", err)
	}

	log.Info("veo operation started", slog.String("operation", name))
	return Handle{
		Provider:      v.Name(),
		ID:            name,
		CorrelationID: req.CorrelationID,
		SubmittedAt:   v.now(),
		Started:       true,
	}, nil
}

// buildVeoPrompt returns the prompt unchanged unless keyword appending was
// requested.
func buildVeoPrompt(prompt string, opts VeoOptions) string {
	if !opts.AppendKeywords {
		return prompt
	}
	var keywords []string
	for _, kw := range []string{opts.CameraMotion, opts.SubjectAnimation, opts.EnvironmentalAnimation} {
		kw = strings.TrimSpace(kw)
		if kw != "" && !strings.EqualFold(kw, "none") {
			keywords = append(keywords, kw)
		}
	}
	formatted := strings.Join(keywords, ", ")
	if formatted == "" || strings.Contains(prompt, formatted) {
		return prompt
	}
	return fmt.Sprintf("%s. Cinematic style. Keywords: %s.", prompt, formatted)
}

// Poll implements Provider.
func (v *Veo) Poll(ctx context.Context, h Handle) (State, error) {
	op, err := v.client.Fetch(apiclient.WithCorrelationID(ctx, h.CorrelationID), h.ID)
	if err != nil {
		return State{}, transportError(v.Name(), h.CorrelationID, "fetch operation", err)
	}

	st := State{Handle: h, Phase: PhaseRunning, Started: true}
	if !op.Done {
		return st, nil
	}

	if op.Error != nil {
		st.Phase = PhaseFailed
		st.Diagnostics = map[string]any{
			"code":             op.Error.Code,
			"provider_message": truncate(op.Error.Message, maxDiagnosticLength),
		}
		switch op.Error.Code {
		case veo.CodeResourceExhausted:
			st.Kind = job.KindProvider
			st.Message = "the provider quota is exhausted, try again later"
		case veo.CodeInvalidArgument:
			st.Kind = job.KindInvalidInput
			st.Message = "the provider rejected the request"
		default:
			st.Kind = job.KindProvider
			st.Message = "generation failed on the provider"
		}
		return st, nil
	}

	if op.Response == nil || len(op.Response.Videos) == 0 {
		st.Phase = PhaseEmpty
		st.Diagnostics = map[string]any{}
		if op.Response != nil {
			st.Diagnostics["raiMediaFilteredCount"] = op.Response.RAIMediaFilteredCount
			if len(op.Response.RAIMediaFilteredReasons) > 0 {
				st.Diagnostics["raiMediaFilteredReasons"] = op.Response.RAIMediaFilteredReasons
			}
		}
		return st, nil
	}

	video := op.Response.Videos[0]
	if video.BytesBase64Encoded == "" {
		st.Phase = PhaseFailed
		st.Kind = job.KindProvider
		st.Message = "the provider returned the video by reference only"
		if video.GCSURI != "" {
			st.Diagnostics = map[string]any{"gcs_uri": video.GCSURI}
		}
		return st, nil
	}

	st.Phase = PhaseCompleted
	st.VideoBase64 = video.BytesBase64Encoded
	return st, nil
}

// Extract implements Provider.
func (v *Veo) Extract(ctx context.Context, st State) ([]byte, error) {
	return v.extract(ctx, st)
}

var _ Provider = (*Veo)(nil)
