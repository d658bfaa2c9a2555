package gateway

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
)

// ErrNotJSON is returned by [Result.Decode] for non-JSON responses.
var ErrNotJSON = errors.New("response is not JSON")

// Result is a successful response. Body is empty for 204.
type Result struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

// Empty reports whether the response carried no content.
func (r *Result) Empty() bool {
	return r.Status == http.StatusNoContent || len(r.Body) == 0
}

// IsJSON reports whether the response declared a JSON content type.
func (r *Result) IsJSON() bool {
	return isJSON(r.Header)
}

// Decode unmarshals a JSON body into v. An empty body leaves v untouched.
func (r *Result) Decode(v any) error {
	if r.Empty() {
		return nil
	}
	if !r.IsJSON() {
		return ErrNotJSON
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the raw body.
func (r *Result) Text() string {
	return string(r.Body)
}

func isJSON(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
