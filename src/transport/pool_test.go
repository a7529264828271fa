package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czy880816/norbert/src/core"
)

func TestPooledHTTPTransport_SendRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	tr := NewPooledHTTPTransport(DefaultPoolConfig(), nil)
	node := core.Node{ID: "n1", Address: srv.Listener.Addr().String()}

	resp, err := tr.Send(context.Background(), node, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp))
}

func TestPooledHTTPTransport_ReusesPoolAcrossSends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewPooledHTTPTransport(DefaultPoolConfig(), nil)
	node := core.Node{ID: "n1", Address: srv.Listener.Addr().String()}

	_, err := tr.Send(context.Background(), node, []byte("a"))
	require.NoError(t, err)
	p1 := tr.poolFor(node)

	_, err = tr.Send(context.Background(), node, []byte("b"))
	require.NoError(t, err)
	p2 := tr.poolFor(node)

	assert.Same(t, p1, p2, "repeated sends to the same node must reuse its pool rather than opening a new one")
}

func TestPooledHTTPTransport_NonSuccessStatusWrapsRetriableSubRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewPooledHTTPTransport(DefaultPoolConfig(), nil)
	node := core.Node{ID: "n1", Address: srv.Listener.Addr().String()}

	_, err := tr.Send(context.Background(), node, []byte("x"))
	require.Error(t, err)
	var subErr *core.SubRequestError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.HasRequestAccess)
	assert.Equal(t, node, subErr.Node)
}

func TestPooledHTTPTransport_UnreachableNodeWrapsRetriableSubRequestError(t *testing.T) {
	tr := NewPooledHTTPTransport(DefaultPoolConfig(), nil)
	node := core.Node{ID: "dead", Address: "127.0.0.1:1"}

	_, err := tr.Send(context.Background(), node, []byte("x"))
	require.Error(t, err)
	var subErr *core.SubRequestError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.HasRequestAccess)
}

func TestPooledHTTPTransport_CloseStopsHealthCheckers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultPoolConfig()
	tr := NewPooledHTTPTransport(cfg, nil)
	node := core.Node{ID: "n1", Address: srv.Listener.Addr().String()}

	_, err := tr.Send(context.Background(), node, []byte("x"))
	require.NoError(t, err)
	p := tr.poolFor(node)
	require.NotNil(t, p.ticker, "the default config arms a health checker")

	assert.NotPanics(t, func() { tr.Close() })

	select {
	case <-p.stop:
	default:
		t.Fatal("Close did not signal the node's health checker to stop")
	}
}
