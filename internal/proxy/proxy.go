// SPDX-License-Identifier: MIT

// Package proxy rotates outbound proxy credentials for renders. The
// provider list and fetch pacing live in the shared store so every
// worker observes the same rate-limit state.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

const (
	proxiesKey       = "proxies"
	lastFetchKey     = "last_proxy_fetch"
	nextFetchKey     = "next_proxy_fetch"
	providerEndpoint = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=100&ordering=-valid"
)

// ErrNoProxies is returned when a pool is configured but empty.
var ErrNoProxies = errors.New("no proxies available at the moment")

// proxyURLPattern rejects credentials that would break URL composition.
var proxyURLPattern = regexp.MustCompile(`^[0-9A-Za-z/:@_%.]+$`)

// Info is one usable proxy.
type Info struct {
	URL             string
	CountryCode     string
	StatusReportURL string
}

// Config selects the proxy source. Static URLs bypass the provider.
type Config struct {
	ProxyURL  string
	ProxyURLs []string
	Token     string
}

// Pool hands out proxies for render attempts.
type Pool struct {
	cfg      Config
	store    *kv.Client
	client   *http.Client
	endpoint string
	logger   zerolog.Logger

	clock func() time.Time
}

// NewPool builds a pool over the shared store.
func NewPool(cfg Config, store *kv.Client, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: providerEndpoint,
		logger:   logger,
		clock:    time.Now,
	}
}

// Enabled reports whether any proxy source is configured.
func (p *Pool) Enabled() bool {
	return p.cfg.ProxyURL != "" || len(p.cfg.ProxyURLs) > 0 || p.cfg.Token != ""
}

// Pick returns a proxy for one render, or nil when no source is
// configured. Static config wins over the provider pool.
func (p *Pool) Pick(ctx context.Context) (*Info, error) {
	if p.cfg.ProxyURL != "" {
		return &Info{URL: p.cfg.ProxyURL}, nil
	}
	if len(p.cfg.ProxyURLs) > 0 {
		return &Info{URL: p.cfg.ProxyURLs[rand.Intn(len(p.cfg.ProxyURLs))]}, nil
	}
	if p.cfg.Token == "" {
		return nil, nil
	}

	proxies, err := p.fetchProxies(ctx)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, ErrNoProxies
	}

	chosen := proxies[rand.Intn(len(proxies))]
	url := fmt.Sprintf("http://%s:%s@%s:%d/", chosen.Username, chosen.Password, chosen.ProxyAddress, chosen.Port)
	if !proxyURLPattern.MatchString(url) {
		return nil, fmt.Errorf("proxy url is invalid %s", url)
	}
	return &Info{URL: url, CountryCode: chosen.CountryCode, StatusReportURL: chosen.StatusReportURL}, nil
}

// Report posts the render outcome to the proxy's status endpoint when it
// has one. Failures are logged, never propagated.
func (p *Pool) Report(ctx context.Context, info *Info, ok bool) {
	if info == nil || info.StatusReportURL == "" {
		return
	}

	body := strings.NewReader(fmt.Sprintf(`{"success":%t}`, ok))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.StatusReportURL, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Msg("proxy status report failed")
		return
	}
	_ = resp.Body.Close()
}

type providerProxy struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ProxyAddress    string `json:"proxy_address"`
	Port            int    `json:"port"`
	CountryCode     string `json:"country_code"`
	Valid           bool   `json:"valid"`
	StatusReportURL string `json:"status_report_url"`
}

// fetchProxies returns the shared proxy list, refreshing it from the
// provider when the randomized wait period has elapsed. On a rate-limit
// shaped response the next attempt is pushed out one minute and the
// cached list is served instead.
func (p *Pool) fetchProxies(ctx context.Context) ([]providerProxy, error) {
	nextWait, err := p.store.GetFloat(ctx, nextFetchKey)
	if err != nil {
		return nil, err
	}
	lastFetch, err := p.store.GetFloat(ctx, lastFetchKey)
	if err != nil {
		return nil, err
	}

	now := float64(p.clock().UnixMilli()) / 1000
	if now-lastFetch > nextWait {
		if err := p.store.Set(ctx, nextFetchKey, waitPeriod(), 0); err != nil {
			return nil, err
		}
		if err := p.store.Set(ctx, lastFetchKey, now, 0); err != nil {
			return nil, err
		}

		proxies, refreshed, err := p.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if refreshed {
			return proxies, nil
		}
	}

	return p.cached(ctx)
}

// refresh calls the provider. refreshed=false means a rate-limit shaped
// response: the caller should fall back to the cached list.
func (p *Pool) refresh(ctx context.Context) (proxies []providerProxy, refreshed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Results []providerProxy `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode proxy list: %w", err)
	}

	if result.Results == nil {
		if err := p.store.Set(ctx, nextFetchKey, 60, 0); err != nil {
			return nil, false, err
		}
		p.logger.Warn().Str("event", "proxy.rate_limited").Msg("proxy provider rate limited, serving cached list")
		return nil, false, nil
	}

	valid := make([]providerProxy, 0, len(result.Results))
	for _, proxy := range result.Results {
		if proxy.Valid {
			valid = append(valid, proxy)
		}
	}

	encoded, err := json.Marshal(valid)
	if err != nil {
		return nil, false, err
	}
	if err := p.store.Set(ctx, proxiesKey, string(encoded), 0); err != nil {
		return nil, false, err
	}

	p.logger.Info().
		Str("event", "proxy.refreshed").
		Int("count", len(valid)).
		Msg("proxy list refreshed")
	return valid, true, nil
}

func (p *Pool) cached(ctx context.Context) ([]providerProxy, error) {
	raw, ok, err := p.store.Get(ctx, proxiesKey)
	if err != nil || !ok {
		return nil, err
	}
	var proxies []providerProxy
	if err := json.Unmarshal([]byte(raw), &proxies); err != nil {
		return nil, fmt.Errorf("decode cached proxy list: %w", err)
	}
	return proxies, nil
}

// waitPeriod is a random 15 to 60 minutes, in seconds.
func waitPeriod() int {
	return (15 + rand.Intn(46)) * 60
}
