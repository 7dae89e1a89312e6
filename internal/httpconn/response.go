package httpconn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Response accumulates status, headers, and body for one request until the
// loop writes it or a handler takes over output via streaming.
type Response struct {
	Status int
	Header http.Header
	body   bytes.Buffer
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{Status: http.StatusOK, Header: make(http.Header)}
}

// Write appends raw bytes to the response body.
func (r *Response) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

// Len returns the current body length.
func (r *Response) Len() int {
	return r.body.Len()
}

// Body returns the accumulated body bytes.
func (r *Response) Body() []byte {
	return r.body.Bytes()
}

// SetJSON replaces the body with the JSON encoding of v and sets the content
// type accordingly.
func (r *Response) SetJSON(v any) error {
	r.body.Reset()
	enc := json.NewEncoder(&r.body)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode response body: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	return nil
}

// SetHTML replaces the body with an HTML fragment.
func (r *Response) SetHTML(markup string) {
	r.body.Reset()
	r.body.WriteString(markup)
	r.Header.Set("Content-Type", "text/html")
}

// errorBody is the JSON error shape shared by every error response.
type errorBody struct {
	Error      int    `json:"error"`
	Status     string `json:"status"`
	Diagnostic string `json:"diagnostic_information,omitempty"`
}

// writeTo serializes the response through bw and flushes it. Responses are
// always written as HTTP/1.1; keep-alive is negotiated via the Connection
// header.
func (r *Response) writeTo(bw *bufio.Writer) error {
	text := http.StatusText(r.Status)
	if text == "" {
		text = "Status " + strconv.Itoa(r.Status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", r.Status, text); err != nil {
		return err
	}
	r.Header.Set("Content-Length", strconv.Itoa(r.body.Len()))
	if err := r.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(r.body.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// writeContinue emits the interim 100 response promised by Expect:
// 100-continue before the body is read.
func writeContinue(bw *bufio.Writer) error {
	if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}
