package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nimbusd/pkg/logger"
)

const defaultLookupTimeout = 3 * time.Second

// IPLookup asks an external echo service for the caller's public address.
// Services of this kind answer either a bare address or {"ip":"..."};
// both are accepted.
type IPLookup struct {
	URL     string
	Timeout time.Duration
	// Client is overridable for tests; nil means a default client.
	Client *http.Client
}

// NewIPLookup builds a lookup against url with the given timeout
// (zero means the default).
func NewIPLookup(url string, timeout time.Duration) *IPLookup {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &IPLookup{URL: url, Timeout: timeout}
}

// Fetch returns the public address reported by the echo service.
func (l *IPLookup) Fetch(ctx context.Context) (string, error) {
	if l == nil || l.URL == "" {
		return "", fmt.Errorf("no lookup url configured")
	}
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return "", err
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: l.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	var parsed struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.IP != "" {
		return parsed.IP, nil
	}
	addr := strings.TrimSpace(string(body))
	if addr == "" {
		return "", fmt.Errorf("ip lookup returned empty body")
	}
	logger.Debug("ip_lookup_plaintext", "addr", addr)
	return addr, nil
}
