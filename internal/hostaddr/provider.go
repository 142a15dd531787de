// Package hostaddr tracks the set of addresses belonging to the monitored
// host, so the reporter never reports its own traffic. The set combines the
// public address seen by an external lookup service with the globally
// routable addresses on local interfaces.
package hostaddr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider periodically refreshes the host's known addresses. Readers take
// point-in-time snapshots; a refresh never mutates a handed-out snapshot.
type Provider struct {
	mu    sync.RWMutex
	addrs map[string]struct{}

	lookupURL       string
	refreshInterval time.Duration
	httpClient      *http.Client

	stopCh chan struct{}
}

// NewProvider creates a provider using the given public-IP lookup endpoint.
// The endpoint must return JSON with an "ip" field.
func NewProvider(lookupURL string, refreshInterval time.Duration) *Provider {
	return &Provider{
		addrs:           make(map[string]struct{}),
		lookupURL:       lookupURL,
		refreshInterval: refreshInterval,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		stopCh:          make(chan struct{}),
	}
}

// Refresh rebuilds the address set from the lookup service and the local
// interfaces. A lookup failure is not fatal: interface addresses still land
// in the set, and the previous set is kept when nothing could be gathered.
func (p *Provider) Refresh(ctx context.Context) error {
	fresh := make(map[string]struct{})

	publicIP, err := p.fetchPublicIP(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch public IP address")
	} else if publicIP != "" {
		fresh[publicIP] = struct{}{}
	}

	ifaceAddrs, ifaceErr := interfaceAddresses()
	for _, addr := range ifaceAddrs {
		fresh[addr] = struct{}{}
	}

	if len(fresh) == 0 {
		if ifaceErr != nil {
			return fmt.Errorf("no host addresses could be determined: %w", ifaceErr)
		}
		return fmt.Errorf("no host addresses could be determined")
	}

	p.mu.Lock()
	p.addrs = fresh
	p.mu.Unlock()

	log.Info().
		Int("addresses", len(fresh)).
		Str("public_ip", publicIP).
		Msg("Refreshed host address set")

	return nil
}

// Start refreshes the set on a fixed interval until the context is cancelled
// or Stop is called. The initial refresh is the caller's responsibility, so
// startup can fail loudly before the pipeline begins.
func (p *Provider) Start(ctx context.Context) {
	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("Host address refresh failed, keeping previous set")
			}
		}
	}
}

// Stop stops the refresh loop
func (p *Provider) Stop() {
	close(p.stopCh)
}

// Snapshot returns a copy of the current address set
func (p *Provider) Snapshot() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make(map[string]struct{}, len(p.addrs))
	for addr := range p.addrs {
		snapshot[addr] = struct{}{}
	}
	return snapshot
}

func (p *Provider) fetchPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read lookup response: %w", err)
	}

	var result struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("malformed lookup response: %w", err)
	}
	if result.IP == "" {
		return "", fmt.Errorf("lookup response has no ip field")
	}
	if net.ParseIP(result.IP) == nil {
		return "", fmt.Errorf("lookup returned invalid address %q", result.IP)
	}

	return result.IP, nil
}

// interfaceAddresses returns the globally routable unicast addresses of the
// local interfaces. Loopback and link-local addresses are already excluded
// by the filter, so only global addresses matter here.
func interfaceAddresses() ([]string, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}

	var addrs []string
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		addrs = append(addrs, ip.String())
	}

	return addrs, nil
}
