package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/vividflow/vividflow-api/internal/apiclient"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/runpod"
)

const defaultNegativePrompt = "low quality"

// Wan adapts the RunPod Wan 2.1 endpoint to Provider.
type Wan struct {
	adapterConfig
	client runpod.Client
}

// NewWan creates the wan2.1 adapter.
func NewWan(client runpod.Client, opts ...Option) *Wan {
	return &Wan{adapterConfig: newAdapterConfig(job.ProviderWan, opts), client: client}
}

// Name implements Provider.
func (w *Wan) Name() string { return job.ProviderWan }

// Validate implements Provider.
func (w *Wan) Validate(params job.Parameters) error {
	_, err := w.options(params)
	return err
}

func (w *Wan) options(params job.Parameters) (WanOptions, error) {
	opts := DefaultWanOptions()
	err := decodeOptions(params, &opts)
	return opts, err
}

// Submit implements Provider.
func (w *Wan) Submit(ctx context.Context, req Request) (Handle, error) {
	opts, err := w.options(req.Parameters)
	if err != nil {
		return Handle{}, invalidInput(w.Name(), req.CorrelationID, err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Handle{}, invalidInput(w.Name(), req.CorrelationID, errors.New("prompt is required"))
	}
	if len(req.Image) == 0 {
		return Handle{}, invalidInput(w.Name(), req.CorrelationID, errors.New("image is required"))
	}

	negative := req.NegativePrompt
	if strings.TrimSpace(negative) == "" {
		negative = defaultNegativePrompt
	}

	in := runpod.Input{
		Prompt:         req.Prompt,
		NegativePrompt: negative,
		ImageBase64:    base64.StdEncoding.EncodeToString(req.Image),
		Width:          opts.Width,
		Height:         opts.Height,
		NumFrames:      opts.Length,
		NumSteps:       opts.Steps,
		Seed:           opts.Seed,
		GuidanceScale:  opts.CFG,
	}

	log := w.logger.With(slog.String("correlation_id", req.CorrelationID))
	log.Debug("submitting to runpod",
		slog.Int("width", in.Width),
		slog.Int("height", in.Height),
		slog.Int("num_frames", in.NumFrames),
		slog.Int("num_steps", in.NumSteps),
	)

	id, err := w.client.Submit(apiclient.WithCorrelationID(ctx, req.CorrelationID), in)
	if err != nil {
		return Handle{}, transportError(w.Name(), req.CorrelationID, "submit", err)
	}

	log.Info("runpod job submitted", slog.String("runpod_job_id", id))
	return Handle{
		Provider:      w.Name(),
		ID:            id,
		CorrelationID: req.CorrelationID,
		SubmittedAt:   w.now(),
	}, nil
}

// Poll implements Provider.
func (w *Wan) Poll(ctx context.Context, h Handle) (State, error) {
	res, err := w.client.Poll(apiclient.WithCorrelationID(ctx, h.CorrelationID), h.ID)
	if err != nil {
		return State{}, transportError(w.Name(), h.CorrelationID, "poll", err)
	}

	st := State{Handle: h, Phase: PhaseRunning, Started: res.Status != runpod.StatusInQueue}

	switch res.Status {
	case runpod.StatusInQueue, runpod.StatusRunning, runpod.StatusInProgress:
		return st, nil

	case runpod.StatusCompleted:
		out, err := runpod.ParseOutput(res.Output)
		if err != nil {
			return State{}, &Error{
				Kind:          job.KindTransport,
				Provider:      w.Name(),
				CorrelationID: h.CorrelationID,
				Message:       "the provider returned a malformed response",
				Err:           err,
			}
		}
		switch {
		case out.Error != "":
			st.Phase = PhaseFailed
			st.Kind = job.KindProvider
			st.Message = "the provider reported an error"
			st.Diagnostics = map[string]any{"provider_error": truncate(lastLine(out.Error), maxDiagnosticLength)}
		case out.IsEmpty():
			st.Phase = PhaseEmpty
			st.Diagnostics = out.Extra
		default:
			st.Phase = PhaseCompleted
			st.VideoBase64 = out.VideoBase64
			st.VideoURL = out.VideoURL
		}
		return st, nil

	case runpod.StatusFailed:
		st.Phase = PhaseFailed
		st.Kind = job.KindProvider
		st.Message = "generation failed on the provider"
		if msg := lastLine(res.Error); msg != "" {
			st.Diagnostics = map[string]any{"provider_error": truncate(msg, maxDiagnosticLength)}
		}
		return st, nil

	case runpod.StatusCancelled:
		st.Phase = PhaseFailed
		st.Kind = job.KindProvider
		st.Message = "the provider cancelled the operation"
		return st, nil

	case runpod.StatusTimedOut:
		st.Phase = PhaseFailed
		st.Kind = job.KindTimeout
		st.Message = "the provider timed out"
		return st, nil
	}

	return State{}, &Error{
		Kind:          job.KindTransport,
		Provider:      w.Name(),
		CorrelationID: h.CorrelationID,
		Message:       "the provider reported an unknown status",
		Diagnostics:   map[string]any{"status": string(res.Status)},
	}
}

// Extract implements Provider.
func (w *Wan) Extract(ctx context.Context, st State) ([]byte, error) {
	return w.extract(ctx, st)
}

// Cancel implements Canceller.
func (w *Wan) Cancel(ctx context.Context, h Handle) error {
	if err := w.client.Cancel(apiclient.WithCorrelationID(ctx, h.CorrelationID), h.ID); err != nil {
		return transportError(w.Name(), h.CorrelationID, "cancel", err)
	}
	return nil
}

var (
	_ Provider  = (*Wan)(nil)
	_ Canceller = (*Wan)(nil)
)
