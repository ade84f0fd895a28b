package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

var (
	errMissingProbeURL    = errors.New("connectivity: probe url is required")
	errMissingBroadcaster = errors.New("connectivity: broadcaster is required")
)

// ProberConfig wires the reachability prober.
type ProberConfig struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Broadcaster *Broadcaster
	Logger      *zap.Logger
}

// Prober periodically checks whether the remote host answers and feeds the result to a Broadcaster.
type Prober struct {
	url         string
	interval    time.Duration
	httpClient  *http.Client
	broadcaster *Broadcaster
	logger      *zap.Logger
}

// NewProber validates the configuration and constructs a Prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingProbeURL
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		url:         url,
		interval:    interval,
		httpClient:  httpClient,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
	}, nil
}

// Run probes immediately and then on every interval until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	online := p.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	if p.broadcaster.Set(online) {
		p.logger.Info("connectivity changed", zap.Bool("online", online), zap.String("probe_url", p.url))
	}
}

// Check reports whether the probe URL answered with any HTTP response.
func (p *Prober) Check(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("connectivity probe request invalid", zap.Error(err))
		return false
	}
	response, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Debug("connectivity probe failed", zap.Error(err))
		return false
	}
	response.Body.Close()
	return true
}
