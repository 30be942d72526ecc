package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// Response represents the unified envelope format.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// SuccessResponse creates a success response.
func SuccessResponse(data interface{}) *Response {
	return &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: generateCorrelationID(),
	}
}

// ErrorResponse creates an error response.
func ErrorResponse(code, message string, details interface{}) *Response {
	return &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: generateCorrelationID(),
	}
}

// WriteSuccess writes a 200 success response.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus writes a success envelope with the given status code.
func WriteStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	response := SuccessResponse(data)
	writeResponse(w, statusCode, response)
}

// WriteError writes an error response to the HTTP response writer.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details interface{}) {
	response := ErrorResponse(code, message, details)
	writeResponse(w, statusCode, response)
}

// WriteAPIError maps err with ToAPIError and writes the envelope.
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	WriteError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message, apiErr.Details)
}

// writeResponse writes a JSON response, reusing the request's correlation
// id when the correlation middleware set one.
func writeResponse(w http.ResponseWriter, statusCode int, response *Response) {
	if id := w.Header().Get(CorrelationHeader); id != "" {
		response.CorrelationID = id
	}
	body, err := json.Marshal(response)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Internal server error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

func generateCorrelationID() string {
	return uuid.NewString()
}
