// Package testing provides test utilities shared by the geowatch packages:
// HTTP request and response helpers and a Redis test container.
package testing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestContext creates a context with a timeout for testing.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout creates a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// HTTPTestRequest creates an HTTP request for testing.
type HTTPTestRequest struct {
	Method  string
	Path    string
	Body    interface{}
	RawBody string
	Headers map[string]string
}

// NewHTTPTestRequest creates a new HTTP test request.
func NewHTTPTestRequest(method, path string) *HTTPTestRequest {
	return &HTTPTestRequest{
		Method:  method,
		Path:    path,
		Headers: make(map[string]string),
	}
}

// WithBody adds a JSON body to the request.
func (r *HTTPTestRequest) WithBody(body interface{}) *HTTPTestRequest {
	r.Body = body
	return r
}

// WithRawBody sends body verbatim, for malformed or hand-written JSON.
func (r *HTTPTestRequest) WithRawBody(body string) *HTTPTestRequest {
	r.RawBody = body
	return r.WithJSON()
}

// WithHeader adds a header to the request.
func (r *HTTPTestRequest) WithHeader(key, value string) *HTTPTestRequest {
	r.Headers[key] = value
	return r
}

// WithJSON sets Content-Type to application/json.
func (r *HTTPTestRequest) WithJSON() *HTTPTestRequest {
	return r.WithHeader("Content-Type", "application/json")
}

// Build builds the HTTP request.
func (r *HTTPTestRequest) Build(t *testing.T) *http.Request {
	t.Helper()

	var body io.Reader
	switch {
	case r.RawBody != "":
		body = bytes.NewBufferString(r.RawBody)
	case r.Body != nil:
		data, err := json.Marshal(r.Body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req := httptest.NewRequest(r.Method, r.Path, body)
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return req
}

// HTTPTestResponse wraps httptest.ResponseRecorder with helper methods.
type HTTPTestResponse struct {
	*httptest.ResponseRecorder
	t *testing.T
}

// NewHTTPTestResponse creates a new HTTP test response.
func NewHTTPTestResponse(t *testing.T) *HTTPTestResponse {
	return &HTTPTestResponse{
		ResponseRecorder: httptest.NewRecorder(),
		t:                t,
	}
}

// AssertStatus asserts the response status code.
func (r *HTTPTestResponse) AssertStatus(expected int) *HTTPTestResponse {
	r.t.Helper()
	if r.Code != expected {
		r.t.Errorf("expected status %d, got %d: %s", expected, r.Code, r.Body.String())
	}
	return r
}

// AssertOK asserts status 200.
func (r *HTTPTestResponse) AssertOK() *HTTPTestResponse {
	r.t.Helper()
	return r.AssertStatus(http.StatusOK)
}

// AssertBadRequest asserts status 400.
func (r *HTTPTestResponse) AssertBadRequest() *HTTPTestResponse {
	r.t.Helper()
	return r.AssertStatus(http.StatusBadRequest)
}

// AssertUnavailable asserts status 503.
func (r *HTTPTestResponse) AssertUnavailable() *HTTPTestResponse {
	r.t.Helper()
	return r.AssertStatus(http.StatusServiceUnavailable)
}

// DecodeJSON decodes the response body as JSON.
func (r *HTTPTestResponse) DecodeJSON(v interface{}) *HTTPTestResponse {
	r.t.Helper()
	if err := json.Unmarshal(r.Body.Bytes(), v); err != nil {
		r.t.Fatalf("failed to decode JSON: %v", err)
	}
	return r
}

// DecodeData decodes the data member of a success envelope into v.
func (r *HTTPTestResponse) DecodeData(v interface{}) *HTTPTestResponse {
	r.t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	r.DecodeJSON(&envelope)
	if !envelope.Success {
		r.t.Fatalf("expected success response, got %s", r.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		r.t.Fatalf("failed to decode data: %v", err)
	}
	return r
}

// AssertErrorCode asserts the code of an error response.
func (r *HTTPTestResponse) AssertErrorCode(expected string) *HTTPTestResponse {
	r.t.Helper()

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	r.DecodeJSON(&resp)
	if resp.Error.Code != expected {
		r.t.Errorf("expected error code %s, got %s", expected, resp.Error.Code)
	}
	return r
}

// ExecuteRequest executes a request against a handler.
func ExecuteRequest(t *testing.T, handler http.Handler, req *http.Request) *HTTPTestResponse {
	resp := NewHTTPTestResponse(t)
	handler.ServeHTTP(resp, req)
	return resp
}

// MustJSON marshals to JSON or panics.
func MustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Float64Ptr returns a pointer to a float64.
func Float64Ptr(f float64) *float64 {
	return &f
}
