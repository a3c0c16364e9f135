// Package veo provides an HTTP client for Vertex AI Veo long-running video
// prediction.
package veo

// Operation error codes returned by Vertex (google.rpc.Code).
const (
	CodeInvalidArgument   = 3
	CodeResourceExhausted = 8
)

// Image is an inline conditioning image.
type Image struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

// Instance is one prediction instance.
type Instance struct {
	Prompt string `json:"prompt"`
	Image  *Image `json:"image,omitempty"`
}

// Parameters are the generation parameters of a predict request.
type Parameters struct {
	AspectRatio      string `json:"aspectRatio,omitempty"`
	DurationSeconds  int    `json:"durationSeconds,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	SampleCount      int    `json:"sampleCount"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	EnhancePrompt    bool   `json:"enhancePrompt"`
	GenerateAudio    bool   `json:"generateAudio"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
}

// PredictRequest is the body of :predictLongRunning.
type PredictRequest struct {
	Instances  []Instance `json:"instances"`
	Parameters Parameters `json:"parameters"`
}

type operationRef struct {
	Name string `json:"name"`
}

type fetchRequest struct {
	OperationName string `json:"operationName"`
}

// Status is a google.rpc.Status.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Video is one generated sample.
type Video struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	GCSURI             string `json:"gcsUri,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
}

// Response is the payload of a finished operation.
type Response struct {
	RAIMediaFilteredCount   int      `json:"raiMediaFilteredCount,omitempty"`
	RAIMediaFilteredReasons []string `json:"raiMediaFilteredReasons,omitempty"`
	Videos                  []Video  `json:"videos,omitempty"`
}

// Operation is a long-running operation snapshot.
type Operation struct {
	Name     string    `json:"name"`
	Done     bool      `json:"done"`
	Error    *Status   `json:"error,omitempty"`
	Response *Response `json:"response,omitempty"`
}
