package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/beevik/etree"

	"github.com/openprobe/openprobe/pkg/plan"
)

// HTTPDoer is the transport used for HTTP_REQUEST nodes. *http.Client
// satisfies it; tests substitute a recording fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is the recorded outcome of a successful HTTP_REQUEST node,
// addressable by later assertion nodes.
type Response struct {
	Status  int
	Headers map[string]string
	Format  plan.ResponseFormat

	// Body is the parsed body: a JSON tree for JSON, an etree document
	// for XML, the raw string for TEXT.
	Body any

	// Raw is the body as received, kept for TEXT regex matching and for
	// serializable result reporting.
	Raw string
}

// performRequest fires one HTTP_REQUEST node and parses the response
// body according to the node's declared format. A transport failure or a
// 4xx/5xx status is returned as a classified error string.
func performRequest(ctx context.Context, doer HTTPDoer, node plan.HTTPRequestNode, timeout time.Duration) (*Response, error) {
	url := node.Base.Literal + node.Path

	var body io.Reader
	if node.Body != nil {
		encoded, err := json.Marshal(node.Body)
		if err != nil {
			return nil, NewPermanentError("encoding request body", err).WithNode(node.ID)
		}
		body = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, string(node.Method), url, body)
	if err != nil {
		return nil, NewPermanentError("building request", err).WithNode(node.ID)
	}
	for key, val := range node.Headers {
		req.Header.Set(key, val.Literal)
	}
	if node.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, NewTransientError(classifyTransportError(err, timeout), err).
			WithCode(ErrCodeTransport).WithNode(node.ID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(classifyTransportError(err, timeout), err).
			WithCode(ErrCodeTransport).WithNode(node.ID)
	}

	if resp.StatusCode >= 400 {
		return nil, NewTransientError(
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(raw)),
			nil,
		).WithCode(ErrCodeTransport).WithNode(node.ID)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	parsed := parseBody(node.ResponseFormat, raw)
	return &Response{
		Status:  resp.StatusCode,
		Headers: headers,
		Format:  node.ResponseFormat,
		Body:    parsed,
		Raw:     string(raw),
	}, nil
}

// parseBody interprets the raw body per the declared format. A body that
// fails to parse is passed through as its raw string rather than failing
// the node; assertions against it will report the mismatch.
func parseBody(format plan.ResponseFormat, raw []byte) any {
	switch format {
	case plan.FormatJSON:
		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return string(raw)
		}
		return tree
	case plan.FormatXML:
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(raw); err != nil {
			return string(raw)
		}
		return doc
	default:
		return string(raw)
	}
}

func classifyTransportError(err error, timeout time.Duration) string {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "Connection refused"
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Sprintf("Request timed out after %dms", timeout.Milliseconds())
	}
	return err.Error()
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
