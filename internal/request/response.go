package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
)

// Response is a settled HTTP response with its body fully read.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("response body is empty (status %d)", r.Status)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("response body could not be decoded: %w", err)
	}
	return nil
}

// Clone returns a deep copy, so cached responses cannot be modified by
// callers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   slices.Clone(r.Body),
	}
}

func (r *Response) Successful() bool {
	return r.Status >= 200 && r.Status < 300
}
