package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/veo"
)

type mockVeoClient struct {
	mock.Mock
}

func (m *mockVeoClient) Predict(ctx context.Context, req veo.PredictRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockVeoClient) Fetch(ctx context.Context, operation string) (veo.Operation, error) {
	args := m.Called(ctx, operation)
	return args.Get(0).(veo.Operation), args.Error(1)
}

func veoRequest(params job.Parameters) Request {
	return Request{
		CorrelationID: "corr-v",
		Prompt:        "A calm seaside at dawn",
		Image:         []byte("jpeg-bytes"),
		ImageMIME:     "image/jpeg",
		Parameters:    params,
	}
}

func TestVeo_EnhancePromptFalseFailsBeforeNetwork(t *testing.T) {
	for _, value := range []any{false, "false", "0"} {
		client := &mockVeoClient{}
		v := NewVeo(client, VeoLimits{})
		params := job.Parameters{"enhance_prompt": value}

		err := v.Validate(params)
		assert.Equal(t, job.KindPrecondition, KindOf(err), "validate with %v", value)

		_, err = v.Submit(context.Background(), veoRequest(params))
		var ge *Error
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, job.KindPrecondition, ge.Kind)
		assert.Equal(t, "corr-v", ge.CorrelationID)
		assert.Contains(t, ge.Message, "enhance_prompt")

		client.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
	}
}

func TestVeo_Validate(t *testing.T) {
	v := NewVeo(&mockVeoClient{}, VeoLimits{Durations: []int{4, 8}, Resolutions: []string{"720p"}})

	tests := []struct {
		name   string
		params job.Parameters
		field  string
	}{
		{"defaults", nil, ""},
		{"allowed duration", job.Parameters{"duration_seconds": "8"}, ""},
		{"duration not configured", job.Parameters{"duration_seconds": 6}, "duration_seconds"},
		{"resolution not configured", job.Parameters{"resolution": "1080p"}, "resolution"},
		{"bad aspect ratio", job.Parameters{"aspect_ratio": "4:3"}, "aspect_ratio"},
		{"long camera motion", job.Parameters{"camera_motion": string(make([]byte, 101))}, "camera_motion"},
		{"unknown option", job.Parameters{"cfg": 7}, "parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.params)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *job.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestVeo_Submit_PromptVerbatimByDefault(t *testing.T) {
	client := &mockVeoClient{}
	v := NewVeo(client, VeoLimits{})

	client.On("Predict", mock.Anything, mock.MatchedBy(func(req veo.PredictRequest) bool {
		p := req.Parameters
		return req.Instances[0].Prompt == "A calm seaside at dawn" &&
			req.Instances[0].Image.MimeType == "image/jpeg" &&
			p.DurationSeconds == 4 && p.Resolution == "720p" && p.AspectRatio == "16:9" &&
			p.EnhancePrompt && !p.GenerateAudio && p.SampleCount == 1
	})).Return("op-1", nil)

	params := job.Parameters{"camera_motion": "Tilt (up)"}
	h, err := v.Submit(context.Background(), veoRequest(params))
	require.NoError(t, err)
	assert.True(t, h.Started)
	assert.Equal(t, "op-1", h.ID)
	client.AssertExpectations(t)
}

func TestBuildVeoPrompt(t *testing.T) {
	tests := []struct {
		name string
		opts VeoOptions
		want string
	}{
		{"opt-out keeps prompt", VeoOptions{CameraMotion: "Pan left"}, "Waves"},
		{"opt-in appends", VeoOptions{AppendKeywords: true, CameraMotion: "Pan left", SubjectAnimation: "None", EnvironmentalAnimation: "Fog rolls"},
			"Waves. Cinematic style. Keywords: Pan left, Fog rolls."},
		{"opt-in without keywords", VeoOptions{AppendKeywords: true}, "Waves"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildVeoPrompt("Waves", tt.opts))
		})
	}

	already := "Waves with Pan left"
	assert.Equal(t, already, buildVeoPrompt(already, VeoOptions{AppendKeywords: true, CameraMotion: "Pan left"}))
}

func TestVeo_Poll(t *testing.T) {
	h := Handle{Provider: job.ProviderVeo, ID: "op-1", CorrelationID: "corr-v", Started: true}

	tests := []struct {
		name      string
		op        veo.Operation
		wantPhase Phase
		wantKind  job.ErrorKind
	}{
		{"running", veo.Operation{Name: "op-1"}, PhaseRunning, ""},
		{"completed", veo.Operation{Done: true, Response: &veo.Response{Videos: []veo.Video{{BytesBase64Encoded: "dmlk"}}}}, PhaseCompleted, ""},
		{"quota", veo.Operation{Done: true, Error: &veo.Status{Code: 8, Message: "Quota exceeded"}}, PhaseFailed, job.KindProvider},
		{"invalid argument", veo.Operation{Done: true, Error: &veo.Status{Code: 3, Message: "bad image"}}, PhaseFailed, job.KindInvalidInput},
		{"gcs only", veo.Operation{Done: true, Response: &veo.Response{Videos: []veo.Video{{GCSURI: "gs://b/v.mp4"}}}}, PhaseFailed, job.KindProvider},
		{"no response", veo.Operation{Done: true}, PhaseEmpty, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockVeoClient{}
			client.On("Fetch", mock.Anything, "op-1").Return(tt.op, nil)

			st, err := NewVeo(client, VeoLimits{}).Poll(context.Background(), h)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, st.Phase)
			assert.Equal(t, tt.wantKind, st.Kind)
			assert.True(t, st.Started)
		})
	}
}

func TestVeo_SafetyFilteredIsEmptyResultWithDiagnostics(t *testing.T) {
	client := &mockVeoClient{}
	client.On("Fetch", mock.Anything, "op-1").Return(veo.Operation{
		Done: true,
		Response: &veo.Response{
			RAIMediaFilteredCount:   1,
			RAIMediaFilteredReasons: []string{"Celebrity or public figure detected"},
		},
	}, nil)
	v := NewVeo(client, VeoLimits{})
	h := Handle{Provider: job.ProviderVeo, ID: "op-1", CorrelationID: "corr-v"}

	st, err := v.Poll(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, PhaseEmpty, st.Phase)

	_, err = v.Extract(context.Background(), st)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, job.KindEmptyResult, ge.Kind)
	assert.Equal(t, 1, ge.Diagnostics["raiMediaFilteredCount"])
	assert.Equal(t, []string{"Celebrity or public figure detected"}, ge.Diagnostics["raiMediaFilteredReasons"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewWan(&mockRunPodClient{}), NewVeo(&mockVeoClient{}, VeoLimits{}))

	assert.Equal(t, []string{job.ProviderVeo, job.ProviderWan}, r.Names())

	_, err := r.Get("sora")
	assert.ErrorIs(t, err, job.ErrUnknownProvider)
	assert.ErrorIs(t, r.Validate("sora", nil), job.ErrUnknownProvider)

	assert.NoError(t, r.Validate(job.ProviderWan, nil))
	assert.Equal(t, job.KindPrecondition, KindOf(r.Validate(job.ProviderVeo, job.Parameters{"enhance_prompt": false})))
}
