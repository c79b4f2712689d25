package scopez

import (
	"net/http"
	"strconv"
)

// OpHTTPClient is the op of spans recorded by Transport.
const OpHTTPClient = "http.client"

// Transport is an http.RoundTripper that records an http.client span for each
// request, as a child of the span active in the request context, plus an
// "http" breadcrumb on the current layer. Requests made outside any scope
// pass through untouched.
type Transport struct {
	Base   http.RoundTripper
	Tracer *Tracer
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Tracer == nil {
		return base.RoundTrip(req)
	}

	ctx := req.Context()
	span, finish := t.Tracer.Instrument(t.Tracer.Capture(ctx), SpanAttrs{
		Op:          OpHTTPClient,
		Description: req.Method + " " + req.URL.Path,
		Data: map[string]any{
			"http.method": req.Method,
			"url":         req.URL.String(),
		},
	})

	resp, err := base.RoundTrip(req)

	crumb := Breadcrumb{
		Category: "http",
		Message:  req.Method + " " + req.URL.String(),
		Data:     map[string]any{"method": req.Method, "url": req.URL.String()},
	}
	if err != nil {
		crumb.Level = "error"
		crumb.Data["reason"] = err.Error()
	} else {
		code := strconv.Itoa(resp.StatusCode)
		crumb.Data["status_code"] = resp.StatusCode
		span.SetData("http.status_code", resp.StatusCode)
		span.SetTag("http.status_code", code)
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(StatusInternalError)
		}
	}
	t.Tracer.AddBreadcrumb(ctx, crumb)

	cause := err
	if err != nil {
		cause = unwindCause(ctx, err)
	}
	finish(cause)
	return resp, err
}

// Client returns a shallow copy of c (or of http.DefaultClient) whose
// transport records spans through t.
func (t *Tracer) Client(c *http.Client) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	cp := *c
	cp.Transport = &Transport{Base: c.Transport, Tracer: t}
	return &cp
}
