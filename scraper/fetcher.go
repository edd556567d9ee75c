package scraper

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// Outcome is the result of one Fetch. Exactly one of Body or Err is set.
type Outcome struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
	Retries    int
	Cooldowns  int
	// ErrorTypes lists the label of every failed attempt in order.
	ErrorTypes []string
	Err        error
}

// OK reports whether the fetch produced a usable body.
func (o *Outcome) OK() bool { return o.Err == nil }

// Fetcher performs a single page fetch with retry, backoff, cooldown and
// identity rotation. It never returns an error past Fetch; failures are
// reported in the Outcome.
type Fetcher struct {
	backend     Backend
	table       *parser.Table
	policy      config.RetryPolicy
	limiter     *HostLimiter
	delay       time.Duration
	randomDelay time.Duration
	metrics     *Metrics
	logger      *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher wires a fetcher over backend. limiter and metrics may be nil.
func NewFetcher(backend Backend, table *parser.Table, cfg *config.Config, limiter *HostLimiter, metrics *Metrics, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		backend:     backend,
		table:       table,
		policy:      cfg.Retry,
		limiter:     limiter,
		delay:       cfg.Delay,
		randomDelay: cfg.RandomDelay,
		metrics:     metrics,
		logger:      logger,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepContext,
	}
}

// Fetch GETs url using session for identity and cookies. The mandatory
// inter-request delay and the host limiter are applied before every attempt.
func (f *Fetcher) Fetch(ctx context.Context, session *Session, url string) *Outcome {
	host := hostOf(url)
	out := &Outcome{URL: url}
	var lastErr error

	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if err := f.pace(ctx, host); err != nil {
			lastErr = err
			break
		}

		identity := session.Next(host)
		out.Attempts++
		start := time.Now()
		resp, err := f.backend.Get(ctx, &Request{URL: url, Identity: identity, Jar: session.Jar()})
		f.metrics.ObserveDuration(time.Since(start))

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		classified := classifyError(err, status)
		if classified == nil && resp == nil {
			classified = ErrConnection{Err: errEmptyResponse}
		}
		if classified == nil && f.table != nil && f.table.IsChallenge(resp.Body) {
			classified = ErrRateLimited{Status: status, Challenge: true, Err: errChallenge}
		}
		if classified == nil {
			out.StatusCode = status
			out.Body = resp.Body
			f.metrics.IncRequest("ok")
			return out
		}

		label := errorTypeLabel(classified)
		out.ErrorTypes = append(out.ErrorTypes, label)
		f.metrics.IncRequest(label)
		f.metrics.IncError(label)
		out.StatusCode = status
		lastErr = classified

		if !retryable(classified) || attempt == f.policy.MaxAttempts-1 {
			break
		}

		var wait time.Duration
		if isRateLimited(classified) {
			wait = f.cooldown()
			out.Cooldowns++
			f.metrics.IncCooldowns()
			if err := session.Rotate(); err != nil {
				f.logger.Warn("session rotation failed", slog.Any("error", err))
			}
			f.logger.Warn("rate limited, cooling down",
				slog.String("url", url),
				slog.String("category", label),
				slog.String("identity", identity.Name),
				slog.Duration("cooldown", wait),
			)
		} else {
			wait = f.backoff(attempt)
			f.logger.Debug("retrying fetch",
				slog.String("url", url),
				slog.String("category", label),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", wait),
			)
		}
		out.Retries++
		f.metrics.IncRetries()

		if err := f.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	out.Body = nil
	out.Err = &FetchFailure{URL: url, Attempts: out.Attempts, Err: lastErr}
	return out
}

func (f *Fetcher) pace(ctx context.Context, host string) error {
	if err := f.limiter.Wait(ctx, host); err != nil {
		return err
	}
	wait := f.delay
	if f.randomDelay > 0 {
		f.rndMu.Lock()
		wait += time.Duration(f.rnd.Int63n(int64(f.randomDelay)))
		f.rndMu.Unlock()
	}
	if wait <= 0 {
		return ctx.Err()
	}
	return f.sleep(ctx, wait)
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	f.rndMu.Lock()
	defer f.rndMu.Unlock()
	return f.policy.Delay(attempt, f.rnd)
}

func (f *Fetcher) cooldown() time.Duration {
	f.rndMu.Lock()
	defer f.rndMu.Unlock()
	return f.policy.Cooldown(f.rnd)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
