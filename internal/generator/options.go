package generator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/vividflow/vividflow-api/internal/job"
)

// WanOptions are the wan2.1 options with their defaults applied.
type WanOptions struct {
	CFG    float64 `mapstructure:"cfg" validate:"gte=1,lte=20"`
	Width  int     `mapstructure:"width" validate:"gte=256,lte=1920,multiple16"`
	Height int     `mapstructure:"height" validate:"gte=256,lte=1920,multiple16"`
	Length int     `mapstructure:"length" validate:"gte=17,lte=161"`
	Steps  int     `mapstructure:"steps" validate:"gte=1,lte=100"`
	Seed   int64   `mapstructure:"seed" validate:"gte=-1"`
}

// DefaultWanOptions returns the wan2.1 defaults.
func DefaultWanOptions() WanOptions {
	return WanOptions{CFG: 7.5, Width: 1280, Height: 720, Length: 81, Steps: 30, Seed: 42}
}

// VeoOptions are the veo3.1 options with their defaults applied.
type VeoOptions struct {
	DurationSeconds        int    `mapstructure:"duration_seconds"`
	Resolution             string `mapstructure:"resolution"`
	AspectRatio            string `mapstructure:"aspect_ratio" validate:"oneof=16:9 9:16"`
	EnhancePrompt          bool   `mapstructure:"enhance_prompt"`
	GenerateAudio          bool   `mapstructure:"generate_audio"`
	CameraMotion           string `mapstructure:"camera_motion" validate:"max=100"`
	SubjectAnimation       string `mapstructure:"subject_animation" validate:"max=100"`
	EnvironmentalAnimation string `mapstructure:"environmental_animation" validate:"max=100"`
	AppendKeywords         bool   `mapstructure:"append_keywords"`
}

// DefaultVeoOptions returns the veo3.1 defaults.
func DefaultVeoOptions() VeoOptions {
	return VeoOptions{DurationSeconds: 4, Resolution: "720p", AspectRatio: "16:9", EnhancePrompt: true}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("multiple16", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%16 == 0
	})
	return v
}

// decodeOptions decodes params over the defaults already in out and checks
// ranges. Form values arrive as strings, so decoding is weakly typed.
// Unknown keys are rejected.
func decodeOptions(params job.Parameters, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("options decoder: %w", err)
	}

	if err := dec.Decode(map[string]any(params.Clone())); err != nil {
		reason := err.Error()
		var me *mapstructure.Error
		if errors.As(err, &me) && len(me.Errors) > 0 {
			reason = strings.Join(me.Errors, "; ")
		}
		return &job.ValidationError{Field: "parameters", Reason: reason}
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &job.ValidationError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &job.ValidationError{Field: "parameters", Reason: err.Error()}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "multiple16":
		return "must be a multiple of 16"
	}
	return "is invalid"
}
