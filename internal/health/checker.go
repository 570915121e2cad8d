// Package health monitors the reachability of configured peer nodes and
// reports transitions on the event bus.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/delegation"
)

// Config holds peer health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// EventSink receives peer health transition events for the bus.
type EventSink func(name string, payload map[string]string)

// PeerStatus is the last observed state of one peer.
type PeerStatus struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Healthy   bool      `json:"healthy"`
	FailCount int       `json:"fail_count"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Checker runs periodic peer reachability probes.
type Checker struct {
	peers      []delegation.Peer
	httpClient *http.Client
	cfg        Config
	sink       EventSink
	logger     *zap.Logger

	mu       sync.Mutex
	statuses map[string]*PeerStatus // "host:port" → status
}

// New creates a Checker over the static peer directory.
func New(peers []delegation.Peer, cfg Config, sink EventSink, logger *zap.Logger) *Checker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}

	c := &Checker{
		peers:      peers,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		statuses:   make(map[string]*PeerStatus, len(peers)),
	}
	for _, p := range peers {
		c.statuses[peerKey(p)] = &PeerStatus{Host: p.Host, Port: p.Port}
	}
	return c
}

func peerKey(p delegation.Peer) string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Start runs the probe loop until the context is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckInterval-time.Second)
			c.CheckAll(probeCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every peer with bounded concurrency.
func (c *Checker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, p := range c.peers {
		wg.Add(1)
		go func(peer delegation.Peer) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			up := c.probe(ctx, peer)

			c.mu.Lock()
			st := c.statuses[peerKey(peer)]
			prevFails := st.FailCount
			if up {
				st.FailCount = 0
				st.Healthy = true
				st.LastSeen = time.Now().UTC()
			} else {
				st.FailCount++
				if st.FailCount >= c.cfg.FailThreshold {
					st.Healthy = false
				}
			}
			fails := st.FailCount
			c.mu.Unlock()

			if up && prevFails >= c.cfg.FailThreshold {
				c.logger.Info("peer recovered", zap.String("peer", peerKey(peer)))
				c.emit("peer.recovered", peer)
			} else if !up && fails == c.cfg.FailThreshold {
				c.logger.Warn("peer unreachable",
					zap.String("peer", peerKey(peer)),
					zap.Int("fail_count", fails),
				)
				c.emit("peer.unreachable", peer)
			}
		}(p)
	}
	wg.Wait()
}

// Statuses returns a snapshot of every peer's last observed state, in the
// directory's order.
func (c *Checker) Statuses() []PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerStatus, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *c.statuses[peerKey(p)])
	}
	return out
}

func (c *Checker) emit(name string, peer delegation.Peer) {
	if c.sink == nil {
		return
	}
	c.sink(name, map[string]string{
		"host": peer.Host,
		"port": fmt.Sprintf("%d", peer.Port),
	})
}

// probe attempts HEAD then GET against the peer's health endpoint, returning
// true on any 2xx response.
func (c *Checker) probe(ctx context.Context, p delegation.Peer) bool {
	url := fmt.Sprintf("http://%s/healthz", peerKey(p))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
