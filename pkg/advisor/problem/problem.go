// Package problem renders RFC 7807 documents for requests refused before
// prediction. Prediction outcomes themselves are always 200 JSON, so a
// problem+json body means the request never reached the predictor.
package problem

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
)

// ContentType is the media type of problem documents.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// New returns a problem for status with the standard status text as title.
func New(status int, detail string) *Problem {
	return &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return fmt.Sprintf("%d %s", p.Status, p.Title)
	}
	return fmt.Sprintf("%d %s: %s", p.Status, p.Title, p.Detail)
}

// Render writes the document with its status code.
func (p *Problem) Render(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// Write renders a problem in one call. An empty title falls back to the
// status text. Its signature matches the middleware problem writer.
func Write(w http.ResponseWriter, status int, title, detail, traceID, instance string) {
	p := New(status, detail)
	if title != "" {
		p.Title = title
	}
	p.Instance = instance
	p.TraceID = traceID
	p.Render(w)
}

// Parse reads a problem document from body when contentType names one.
// It reports false for any other media type or an undecodable body.
func Parse(contentType string, body []byte) (*Problem, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != ContentType {
		return nil, false
	}
	var p Problem
	if err := json.Unmarshal(body, &p); err != nil || p.Status == 0 {
		return nil, false
	}
	return &p, true
}
