package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/ucan"
)

func signer(t *testing.T, b byte) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

func newServer(t *testing.T) (*server.Server, *principal.Signer) {
	t.Helper()
	service := signer(t, 1)
	srv := server.New(service, server.WithHandler("test/echo", func(_ context.Context, inv *ucan.Invocation) (server.Result, error) {
		return server.Ok(map[string]string{"can": inv.Capability().Can}), nil
	}))
	return srv, service
}

func echoInvocation(t *testing.T, service principal.DID) *ucan.Invocation {
	t.Helper()
	agent := signer(t, 2)
	c, err := ucan.NewCapability("test/echo", agent.DID().String(), nil)
	require.NoError(t, err)
	inv, err := ucan.Invoke(agent, service, c)
	require.NoError(t, err)
	return inv
}

func TestHTTPConnection_RoundTrip(t *testing.T) {
	srv, service := newServer(t)
	ts := httptest.NewServer(NewHandler(srv))
	defer ts.Close()

	inv := echoInvocation(t, service.DID())
	r, err := Receipt(context.Background(), NewHTTPConnection(ts.URL), inv)
	require.NoError(t, err)
	assert.True(t, r.IsOk())
	require.NoError(t, r.VerifySignature(context.Background(), nil, service.DID()))
}

func TestChannel_RoundTrip(t *testing.T) {
	srv, service := newServer(t)
	inv := echoInvocation(t, service.DID())

	r, err := Receipt(context.Background(), NewChannel(srv), inv)
	require.NoError(t, err)
	assert.True(t, r.IsOk())
	assert.True(t, r.Ran().Equals(inv.Link()))
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	srv, service := newServer(t)
	h := NewHandler(srv)

	msg, err := ucan.NewMessage([]*ucan.Invocation{echoInvocation(t, service.DID())}, nil)
	require.NoError(t, err)
	body, err := ucan.EncodeMessage(msg)
	require.NoError(t, err)

	tests := []struct {
		name        string
		method      string
		contentType string
		accept      string
		body        []byte
		want        int
	}{
		{"ok", http.MethodPost, ucan.ContentType, "", body, http.StatusOK},
		{"wildcard accept", http.MethodPost, ucan.ContentType, "*/*", body, http.StatusOK},
		{"wrong method", http.MethodGet, ucan.ContentType, "", nil, http.StatusMethodNotAllowed},
		{"wrong content type", http.MethodPost, "application/json", "", body, http.StatusUnsupportedMediaType},
		{"unacceptable", http.MethodPost, ucan.ContentType, "application/json", body, http.StatusNotAcceptable},
		{"garbage", http.MethodPost, ucan.ContentType, "", []byte("not a car"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestHTTPConnection_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	_, service := newServer(t)
	conn := NewHTTPConnection(ts.URL, WithTimeout(50*time.Millisecond))
	_, err := conn.Execute(context.Background(), echoInvocation(t, service.DID()))
	require.Error(t, err)
}
