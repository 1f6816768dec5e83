// Package httpx holds the JSON and request helpers shared by the HTTP surfaces.
package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// DefaultMaxBody bounds request bodies when the caller passes no limit.
const DefaultMaxBody = 1 << 20

// APIError is the wire form of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// WriteJSON writes v with status. Responses are never cacheable.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error":{code,message}}.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// WriteErrorReason writes an error carrying a sub-kind reason.
func WriteErrorReason(w http.ResponseWriter, status int, code, msg, reason string) {
	WriteJSON(w, status, errorResponse{Error: APIError{Code: code, Message: msg, Reason: reason}})
}

// DecodeJSON decodes a single JSON value from the body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// BodyString returns the first non-empty string among keys in a JSON object
// body. The body is restored so later handlers can decode it again.
func BodyString(r *http.Request, keys ...string) string {
	fields := peekBody(r)
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func peekBody(r *http.Request) map[string]json.RawMessage {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBody+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil || len(buf) == 0 || len(buf) > DefaultMaxBody {
		return nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(buf, &fields) != nil {
		return nil
	}
	return fields
}
