package presence

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the default route is reachable. Return nil
// if reachable.
type ProbeFunc func(ctx context.Context) error

// ProbeBackoff controls ReachabilityHostSignals' startup-retry and
// background-poll cadence.
type ProbeBackoff struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval once startup
	// retries are exhausted or a probe has succeeded (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long a single probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultProbeBackoff is 2s, 4s, 8s, 16s, 32s, 60s (capped) startup
// retries, then 60-second background polling.
func DefaultProbeBackoff() ProbeBackoff {
	return ProbeBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b ProbeBackoff) withDefaults() ProbeBackoff {
	d := DefaultProbeBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ReachabilityHostSignals is a HostSignals that probes default-route
// reachability over HTTP instead of relying on a browser's
// navigator.onLine/online/offline events, which have no OS equivalent
// for a CLI or daemon caller: any URL that responds counts as "online".
// It runs a single probe in two phases — exponential-backoff startup
// retries, then periodic background polling — the same shape as the
// teacher's service-health watcher, narrowed from a multi-service
// registry down to the one probe this client ever runs.
type ReachabilityHostSignals struct {
	probe   ProbeFunc
	backoff ProbeBackoff
	logger  *slog.Logger

	ready atomic.Bool

	mu      sync.Mutex
	lastErr error

	online  chan struct{}
	offline chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReachabilityHostSignals starts probing probeURL immediately and
// keeps probing until ctx is cancelled or Stop is called. probeURL
// defaults to a well-known low-cost endpoint if empty. backoff lets
// callers shorten the probe cadence (tests, impatient CLIs); the zero
// value uses DefaultProbeBackoff.
func NewReachabilityHostSignals(ctx context.Context, probeURL string, backoff ProbeBackoff, logger *slog.Logger) *ReachabilityHostSignals {
	if probeURL == "" {
		probeURL = "https://connectivitycheck.gstatic.com/generate_204"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{}
	probe := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	h := &ReachabilityHostSignals{
		probe:   probe,
		backoff: backoff.withDefaults(),
		logger:  logger,
		online:  make(chan struct{}, 1),
		offline: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go h.run(watchCtx)

	return h
}

// IsReady reports whether the last probe succeeded.
func (h *ReachabilityHostSignals) IsReady() bool { return h.ready.Load() }

// LastError returns the most recent probe error, or nil if reachable.
func (h *ReachabilityHostSignals) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// run probes with exponential backoff until MaxRetries is exhausted or a
// probe succeeds, then falls back to periodic polling, pushing onto
// online/offline on each ready/not-ready transition.
func (h *ReachabilityHostSignals) run(ctx context.Context) {
	defer close(h.done)

	cfg := h.backoff
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := h.runProbe(ctx)
		h.recordResult(err)

		if err == nil {
			h.ready.Store(true)
			h.logger.Info("default route reachable", "after_attempts", attempt)
			nonBlockingSend(h.online)
			break
		}

		if attempt == cfg.MaxRetries {
			h.logger.Info("default route unreachable at startup, entering background polling",
				"attempts", attempt, "error", err)
			break
		}

		h.logger.Debug("reachability probe failed, retrying",
			"attempt", attempt, "max_retries", cfg.MaxRetries,
			"next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.runProbe(ctx)
			h.recordResult(err)
			wasReady := h.ready.Load()

			if wasReady && err != nil {
				h.ready.Store(false)
				h.logger.Info("default route became unreachable", "error", err)
				nonBlockingSend(h.offline)
			} else if !wasReady && err == nil {
				h.ready.Store(true)
				h.logger.Info("default route recovered")
				nonBlockingSend(h.online)
			}
		}
	}
}

func (h *ReachabilityHostSignals) runProbe(ctx context.Context) error {
	timeout := h.backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.probe(probeCtx)
}

func (h *ReachabilityHostSignals) recordResult(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Online satisfies HostSignals.
func (h *ReachabilityHostSignals) Online() <-chan struct{} { return h.online }

// Offline satisfies HostSignals.
func (h *ReachabilityHostSignals) Offline() <-chan struct{} { return h.offline }

// Foreground satisfies HostSignals; reachability has no notion of
// window focus, so this never fires.
func (h *ReachabilityHostSignals) Foreground() <-chan struct{} { return nil }

// Stop halts the probe loop and waits for it to exit.
func (h *ReachabilityHostSignals) Stop() {
	h.cancel()
	<-h.done
}
