package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is the error shape returned to API callers.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	Type       string
	Details    map[string]any
}

// OpenAIError mirrors the OpenAI error envelope that proxy clients expect.
type OpenAIError struct {
	Error struct {
		Message string         `json:"message"`
		Type    string         `json:"type"`
		Code    string         `json:"code,omitempty"`
		Param   string         `json:"param,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func New(httpStatus int, code, errType, message string) *APIError {
	return &APIError{HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.HTTPStatus, e.Code, e.Message)
}

func (e *APIError) WithDetails(details map[string]any) *APIError {
	e.Details = details
	return e
}

// ToJSON renders the OpenAI envelope.
func (e *APIError) ToJSON() ([]byte, error) {
	var out OpenAIError
	out.Error.Message = e.Message
	out.Error.Type = e.Type
	out.Error.Code = e.Code
	if e.Details != nil {
		out.Error.Details = e.Details
	}
	return json.Marshal(out)
}

// Write sends the error as a JSON response.
func (e *APIError) Write(w http.ResponseWriter) {
	body, err := e.ToJSON()
	if err != nil {
		body = []byte(`{"error":{"message":"internal error","type":"server_error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_, _ = w.Write(body)
}
