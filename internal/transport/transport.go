// Package transport carries agent messages between parties as CAR
// encoded request and response bodies, over HTTP or in process.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/blobcore/internal/ucan"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps request bodies. Messages carry invocations and
// receipts, never blob bytes.
const maxBodySize = 64 << 20

// Handler handles a decoded message. *server.Server implements it.
type Handler interface {
	Handle(ctx context.Context, msg *ucan.Message) (*ucan.Message, error)
}

// Connection delivers invocations to a party and returns its response
// message.
type Connection interface {
	Execute(ctx context.Context, invs ...*ucan.Invocation) (*ucan.Message, error)
}

// Receipt executes a single invocation over conn and returns its receipt.
func Receipt(ctx context.Context, conn Connection, inv *ucan.Invocation) (*ucan.Receipt, error) {
	res, err := conn.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}
	r, ok, err := res.Receipt(inv.Link())
	if err != nil {
		return nil, fmt.Errorf("decode receipt for %s: %w", inv.Link(), err)
	}
	if !ok {
		return nil, fmt.Errorf("response has no receipt for %s", inv.Link())
	}
	return r, nil
}

// NewHandler returns an http.Handler serving POST requests with CAR
// encoded messages.
func NewHandler(h Handler) http.Handler {
	return otelhttp.NewHandler(&httpHandler{h: h}, "ucan.handle")
}

type httpHandler struct {
	h Handler
}

func (s *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	log := slog.With("request_id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != ucan.ContentType {
		http.Error(w, fmt.Sprintf("unsupported content type, expected %s", ucan.ContentType), http.StatusUnsupportedMediaType)
		return
	}
	if !acceptable(r.Header.Get("Accept")) {
		http.Error(w, fmt.Sprintf("not acceptable, only %s is produced", ucan.ContentType), http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := ucan.DecodeMessage(body)
	if err != nil {
		log.Debug("decode request failed", "error", err)
		http.Error(w, fmt.Sprintf("decode message: %v", err), http.StatusBadRequest)
		return
	}

	res, err := s.h.Handle(r.Context(), msg)
	if err != nil {
		log.Error("handle request failed", "message", msg.Link().String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out, err := ucan.EncodeMessage(res)
	if err != nil {
		log.Error("encode response failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Debug("request handled", "message", msg.Link().String(), "response", res.Link().String())
	w.Header().Set("Content-Type", ucan.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// acceptable reports whether an Accept header admits CAR responses.
func acceptable(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "*/*", "application/*", ucan.ContentType:
			return true
		}
	}
	return false
}

// HTTPConnection posts messages to a remote endpoint.
type HTTPConnection struct {
	url    string
	client *http.Client
}

// HTTPOption configures an HTTPConnection.
type HTTPOption func(*HTTPConnection)

// WithHTTPClient replaces the HTTP client. Its timeout is left as is.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPConnection) { h.client = c }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPConnection) {
		c := *h.client
		c.Timeout = d
		h.client = &c
	}
}

// NewHTTPConnection creates a connection to url.
func NewHTTPConnection(url string, opts ...HTTPOption) *HTTPConnection {
	h := &HTTPConnection{
		url: url,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute implements Connection.
func (h *HTTPConnection) Execute(ctx context.Context, invs ...*ucan.Invocation) (*ucan.Message, error) {
	msg, err := ucan.NewMessage(invs, nil)
	if err != nil {
		return nil, err
	}
	body, err := ucan.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ucan.ContentType)
	req.Header.Set("Accept", ucan.ContentType)
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", h.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post %s: %s: %s", h.url, resp.Status, strings.TrimSpace(string(data)))
	}
	res, err := ucan.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", h.url, err)
	}
	return res, nil
}

// Channel delivers messages to an in-process handler. Requests and
// responses go through the CAR codec exactly as they would over HTTP.
type Channel struct {
	h Handler
}

// NewChannel creates an in-process connection to h.
func NewChannel(h Handler) *Channel {
	return &Channel{h: h}
}

// Execute implements Connection.
func (c *Channel) Execute(ctx context.Context, invs ...*ucan.Invocation) (*ucan.Message, error) {
	msg, err := ucan.NewMessage(invs, nil)
	if err != nil {
		return nil, err
	}
	req, err := roundTrip(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	res, err := c.h.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := roundTrip(res)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func roundTrip(msg *ucan.Message) (*ucan.Message, error) {
	data, err := ucan.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return ucan.DecodeMessage(data)
}
