package reachability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProberConfig describes the health endpoint poller.
type ProberConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Observer   *Observer
	Logger     *zap.Logger
}

// Prober feeds an Observer from periodic health checks against the remote service.
type Prober struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	observer *Observer
	logger   *zap.Logger
}

// NewProber validates the configuration and constructs a Prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("reachability: probe url is required")
	}
	if cfg.Observer == nil {
		return nil, fmt.Errorf("reachability: observer is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		url:      cfg.URL,
		interval: interval,
		timeout:  timeout,
		client:   client,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// Probe performs one health check, reports the result to the observer and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	p.observer.SetOnline(online)
	return online
}

// Run probes on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

func (p *Prober) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("health probe request invalid", zap.String("url", p.url), zap.Error(err))
		return false
	}
	response, err := p.client.Do(request)
	if err != nil {
		p.logger.Debug("health probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		p.logger.Debug("health probe rejected", zap.String("url", p.url), zap.Int("status", response.StatusCode))
		return false
	}
	return true
}
