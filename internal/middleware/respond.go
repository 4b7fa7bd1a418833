// Package middleware holds the HTTP middleware in front of the verification
// API: request IDs, logging, panic recovery, security headers, CORS, API key
// authentication, scopes and rate limits.
package middleware

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes the API's error envelope. Middleware errors use the same
// shape as handler errors.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
