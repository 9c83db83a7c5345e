// Package health actively probes backend instances and feeds reachability
// verdicts into the balancer. Probing is independent of the passive circuit
// breaker: the breaker reacts to traffic, the prober notices dead endpoints
// before traffic hits them.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chatvault/gateway/internal/balancer"
	"github.com/chatvault/gateway/internal/config"
)

// Prober periodically checks every instance the balancer knows about.
type Prober struct {
	bal *balancer.Balancer
	cfg func() config.ProbeConfig

	httpClient *http.Client

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // keyed by endpoint

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProber creates a prober over the balancer's instances.
func NewProber(bal *balancer.Balancer, cfg func() config.ProbeConfig) *Prober {
	return &Prober{
		bal:        bal,
		cfg:        cfg,
		httpClient: &http.Client{},
		conns:      make(map[string]*grpc.ClientConn),
		stop:       make(chan struct{}),
	}
}

// Start launches the probe loop. It returns immediately; probing runs until
// Close.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Close stops probing and releases gRPC connections.
func (p *Prober) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, conn := range p.conns {
		if err := conn.Close(); err != nil {
			slog.Warn("probe connection close failed", "endpoint", endpoint, "error", err)
		}
	}
	p.conns = make(map[string]*grpc.ClientConn)
}

func (p *Prober) loop() {
	defer p.wg.Done()

	interval := p.cfg().Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.probeAll()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Prober) probeAll() {
	cfg := p.cfg()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var wg sync.WaitGroup
	for _, inst := range p.bal.Instances() {
		wg.Add(1)
		go func(inst *balancer.Instance) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			up, err := p.probe(ctx, inst, cfg)
			was := inst.Reachable()
			p.bal.SetReachable(inst.Model, inst.ID, up)
			if up != was {
				if up {
					slog.Info("instance reachable again", "instance", inst.ID, "model", inst.Model)
				} else {
					slog.Warn("instance unreachable", "instance", inst.ID, "model", inst.Model, "error", err)
				}
			}
		}(inst)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, inst *balancer.Instance, cfg config.ProbeConfig) (bool, error) {
	switch inst.Kind {
	case "grpc":
		return p.probeGRPC(ctx, inst.Endpoint)
	default:
		return p.probeHTTP(ctx, inst.Endpoint, cfg.HTTPPath)
	}
}

func (p *Prober) probeHTTP(ctx context.Context, endpoint, path string) (bool, error) {
	if path == "" {
		path = "/health"
	}
	url := strings.TrimRight(endpoint, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return true, nil
}

func (p *Prober) probeGRPC(ctx context.Context, endpoint string) (bool, error) {
	conn, err := p.conn(endpoint)
	if err != nil {
		return false, err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("health status %s", resp.Status)
	}
	return true, nil
}

// conn returns a cached client connection for the endpoint, dialing lazily.
func (p *Prober) conn(endpoint string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(grpcTarget(endpoint),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("probe dial %s: %w", endpoint, err)
	}
	p.conns[endpoint] = conn
	return conn, nil
}

// grpcTarget reduces a URL-shaped endpoint to the host:port a gRPC dial
// expects.
func grpcTarget(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
