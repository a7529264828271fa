package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/czy880816/norbert/src/core"
)

// PoolConfig configures PooledHTTPTransport's per-node http.Transport,
// generalized from the teacher's ConnectionPoolConfig (one pool per LLM
// provider there; one pool per cluster node here).
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int

	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration

	KeepAlive          time.Duration
	DisableKeepAlives  bool
	DisableCompression bool
	InsecureSkipVerify bool

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// DefaultPoolConfig mirrors the teacher's DefaultConnectionPoolConfig.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		KeepAlive:             30 * time.Second,
		HealthCheckInterval:   30 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
	}
}

// nodePool is one node's dedicated http.Client/http.Transport pair, with a
// background health checker, mirroring the teacher's ProviderConnectionPool.
type nodePool struct {
	node        core.Node
	client      *http.Client
	healthy     bool
	mu          sync.RWMutex
	lastChecked time.Time
	ticker      *time.Ticker
	stop        chan struct{}
}

// PooledHTTPTransport sends sub-requests over HTTP, with one connection
// pool per cluster node so a slow or dead node's connections never starve
// another node's. Grounded on the teacher's ConnectionPoolManager, keyed
// by core.Node instead of ProviderType.
type PooledHTTPTransport struct {
	config PoolConfig
	logger core.Logger

	mu    sync.RWMutex
	pools map[core.Node]*nodePool

	httpMethod string
}

// NewPooledHTTPTransport creates a PooledHTTPTransport. Pools are created
// lazily per node on first Send.
func NewPooledHTTPTransport(config PoolConfig, logger core.Logger) *PooledHTTPTransport {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &PooledHTTPTransport{
		config:     config,
		logger:     logger,
		pools:      make(map[core.Node]*nodePool),
		httpMethod: http.MethodPost,
	}
}

func (t *PooledHTTPTransport) poolFor(node core.Node) *nodePool {
	t.mu.RLock()
	p, ok := t.pools[node]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pools[node]; ok {
		return p
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: t.config.KeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          t.config.MaxIdleConns,
		MaxIdleConnsPerHost:   t.config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       t.config.MaxConnsPerHost,
		IdleConnTimeout:       t.config.IdleConnTimeout,
		TLSHandshakeTimeout:   t.config.TLSHandshakeTimeout,
		ExpectContinueTimeout: t.config.ExpectContinueTimeout,
		ResponseHeaderTimeout: t.config.ResponseHeaderTimeout,
		DisableKeepAlives:     t.config.DisableKeepAlives,
		DisableCompression:    t.config.DisableCompression,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: t.config.InsecureSkipVerify},
	}

	p = &nodePool{
		node:    node,
		client:  &http.Client{Transport: transport},
		healthy: true,
		stop:    make(chan struct{}),
	}
	t.pools[node] = p
	t.logger.Info("transport: opened connection pool", "node", node.ID, "address", node.Address)

	if t.config.HealthCheckInterval > 0 {
		p.ticker = time.NewTicker(t.config.HealthCheckInterval)
		go t.healthCheckLoop(p)
	}
	return p
}

func (t *PooledHTTPTransport) healthCheckLoop(p *nodePool) {
	for {
		select {
		case <-p.stop:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.HealthCheckTimeout)
			healthy := t.probe(ctx, p)
			cancel()

			p.mu.Lock()
			p.healthy = healthy
			p.lastChecked = time.Now()
			p.mu.Unlock()
		}
	}
}

func (t *PooledHTTPTransport) probe(ctx context.Context, p *nodePool) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "http://"+p.node.Address, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Send implements Transport by POSTing payload to node's address and
// returning the response body. A non-2xx response or network error is
// wrapped as *core.SubRequestError with HasRequestAccess true, since the
// caller (the retry engine) can always safely retry a transport-level
// failure against a different node.
func (t *PooledHTTPTransport) Send(ctx context.Context, node core.Node, payload []byte) ([]byte, error) {
	pool := t.poolFor(node)

	url := "http://" + node.Address
	req, err := http.NewRequestWithContext(ctx, t.httpMethod, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &core.SubRequestError{Cause: err, Node: node, HasRequestAccess: false}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := pool.client.Do(req)
	if err != nil {
		return nil, &core.SubRequestError{Cause: err, Node: node, HasRequestAccess: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.SubRequestError{Cause: err, Node: node, HasRequestAccess: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &core.SubRequestError{
			Cause:            fmt.Errorf("node %s: unexpected status %d", node, resp.StatusCode),
			Node:             node,
			HasRequestAccess: true,
		}
	}
	return body, nil
}

// Close stops every node pool's health checker and releases idle
// connections.
func (t *PooledHTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		if p.ticker != nil {
			p.ticker.Stop()
			close(p.stop)
		}
		p.client.CloseIdleConnections()
	}
}
