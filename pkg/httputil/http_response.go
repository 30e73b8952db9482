package httputil

import (
	"net/http"

	"github.com/bytedance/sonic"
)

// ErrorResponse is the error body every moodlog endpoint returns. RequestID
// carries the id assigned by the request middleware so a client report can
// be matched to the server log line.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   string `json:"details,omitempty"`
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, message, requestID string, details error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Code:      statusCode,
		Message:   message,
		RequestID: requestID,
	}
	if details != nil {
		resp.Details = details.Error()
	}
	sonic.ConfigFastest.NewEncoder(w).Encode(resp)
}

func WriteJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		sonic.ConfigDefault.NewEncoder(w).Encode(body)
	}
}
