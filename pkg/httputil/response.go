// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body shape shared by every JSON response:
// {"success": bool, "message": string, "data": ..., <context fields>}
type Envelope map[string]interface{}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteFailure writes {"success": false, "message": message} merged with the
// optional context fields.
func WriteFailure(w http.ResponseWriter, status int, message string, context map[string]interface{}) {
	body := Envelope{}
	for k, v := range context {
		body[k] = v
	}
	body["success"] = false
	body["message"] = message
	_ = WriteJSON(w, status, body)
}

// WriteErrorMessage writes a failure envelope with no extra context
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteFailure(w, status, message, nil)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a not found error (404). Handlers use it for both
// "does not exist" and "not visible to you".
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteValidationErrors writes a 422 with field-level messages
func WriteValidationErrors(w http.ResponseWriter, fields map[string]string) {
	WriteFailure(w, http.StatusUnprocessableEntity, "Validation failed", map[string]interface{}{
		"errors": fields,
	})
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteInternalError writes a 500 without leaking the underlying error
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "Internal server error")
}

// WriteSuccess writes {"success": true, "data": data} with 200
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, Envelope{"success": true, "data": data})
}

// WriteSuccessMessage writes a success envelope carrying a message
func WriteSuccessMessage(w http.ResponseWriter, message string, data interface{}) error {
	body := Envelope{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	return WriteJSON(w, http.StatusOK, body)
}

// WriteCreated writes a success envelope with 201
func WriteCreated(w http.ResponseWriter, message string, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, Envelope{"success": true, "message": message, "data": data})
}
