// Package handlers provides the business handlers selectable from the
// configuration file. They are small by design: routing and proxying are
// left to embedders, who pass their own pipeline.InboundHandler to
// server.New.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittogw/pkg/pipeline"
)

// Echo answers every request with its own body.
type Echo struct {
	// Status is the response status code. Default: 200
	Status int `mapstructure:"status"`
}

func (h *Echo) HandleRequest(ctx *pipeline.Context, req *pipeline.Request) error {
	resp := pipeline.NewResponse(req, h.Status, req.Body)
	if ct := req.Header.Get("Content-Type"); ct != "" {
		resp.Header.Set("Content-Type", ct)
	}
	return ctx.Respond(resp)
}

// Static answers every request with the same configured response.
type Static struct {
	// Status is the response status code. Default: 200
	Status int `mapstructure:"status"`

	// Body is sent verbatim.
	Body string `mapstructure:"body"`

	// ContentType of Body. Default: text/plain; charset=utf-8
	ContentType string `mapstructure:"content_type"`

	// Headers are added to every response.
	Headers map[string]string `mapstructure:"headers"`
}

func (h *Static) HandleRequest(ctx *pipeline.Context, req *pipeline.Request) error {
	resp := pipeline.NewResponse(req, h.Status, []byte(h.Body))
	for k, v := range h.Headers {
		resp.Header.Set(k, v)
	}
	resp.Header.Set("Content-Type", h.ContentType)
	return ctx.Respond(resp)
}

// Headers rewrites response headers on the outbound path.
type Headers struct {
	// Set headers overwrite any value set by the inbound handler.
	Set map[string]string `mapstructure:"set"`

	// Remove lists headers to strip.
	Remove []string `mapstructure:"remove"`

	// Date adds a Date header when missing.
	Date bool `mapstructure:"date"`

	// RequestIDHeader, when non-empty, names a header that carries the
	// request's ID: copied from the request if present, generated otherwise.
	RequestIDHeader string `mapstructure:"request_id_header"`

	// ConnectionInfo adds X-Worker-Id, handy when checking distribution.
	ConnectionInfo bool `mapstructure:"connection_info"`
}

func (h *Headers) HandleResponse(ctx *pipeline.Context, resp *pipeline.Response) (*pipeline.Response, error) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}

	for _, name := range h.Remove {
		resp.Header.Del(name)
	}
	for k, v := range h.Set {
		resp.Header.Set(k, v)
	}

	if h.Date && resp.Header.Get("Date") == "" {
		resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	if h.RequestIDHeader != "" && resp.Header.Get(h.RequestIDHeader) == "" {
		id := ""
		if resp.Request != nil {
			id = resp.Request.Header.Get(h.RequestIDHeader)
		}
		if id == "" {
			id = uuid.NewString()
		}
		resp.Header.Set(h.RequestIDHeader, id)
	}

	if h.ConnectionInfo {
		resp.Header.Set("X-Worker-Id", strconv.Itoa(ctx.WorkerID()))
	}
	return resp, nil
}
