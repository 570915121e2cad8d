package nodeid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyDirectory fetches and caches peer public keys from their
// /community/identity endpoints. Keys are assumed stable for the life of the
// process; a failed fetch is not cached.
type KeyDirectory struct {
	mu     sync.Mutex
	keys   map[string]string // "host:port" → base64 public key
	client *http.Client
	logger *zap.Logger
}

// NewKeyDirectory creates a KeyDirectory with the given per-request timeout.
func NewKeyDirectory(timeout time.Duration, logger *zap.Logger) *KeyDirectory {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &KeyDirectory{
		keys:   make(map[string]string),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// PeerKey returns the base64 public key of the peer at host:port, fetching
// it from the peer's identity endpoint on a cache miss.
func (d *KeyDirectory) PeerKey(ctx context.Context, host string, port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	d.mu.Lock()
	if key, ok := d.keys[addr]; ok {
		d.mu.Unlock()
		return key, nil
	}
	d.mu.Unlock()

	url := fmt.Sprintf("http://%s/community/identity", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build identity request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch peer identity from %s: %w", addr, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("peer identity endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read peer identity: %w", err)
	}

	var payload struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode peer identity: %w", err)
	}
	if payload.PublicKey == "" {
		return "", fmt.Errorf("peer identity missing public_key")
	}

	d.mu.Lock()
	d.keys[addr] = payload.PublicKey
	d.mu.Unlock()
	d.logger.Debug("cached peer public key", zap.String("peer", addr))
	return payload.PublicKey, nil
}
