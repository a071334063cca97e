package dto

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope wraps every /v1 response.
type Envelope struct {
	Status    string       `json:"status"`
	Message   string       `json:"message"`
	Data      any          `json:"data,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// ErrorDetail carries the machine-readable part of an error response.
type ErrorDetail struct {
	Kind  string `json:"kind"`
	Code  string `json:"code,omitempty"`
	Stage string `json:"stage,omitempty"`
	Field string `json:"field,omitempty"`
}
