package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"recurq/internal/config"
	"recurq/internal/task/engine"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

const (
	defaultProbeTimeout = 10 * time.Second
	probeRatePerSec     = 5
)

type probeMetrics struct {
	up       *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

func newProbeMetrics(reg prometheus.Registerer) *probeMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &probeMetrics{
		up: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "recurq",
			Subsystem: "probe",
			Name:      "up",
			Help:      "Whether the last probe run succeeded (1) or failed (0).",
		}, []string{"probe"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recurq",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "HTTP probe round trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"probe"}),
	}
}

func (m *probeMetrics) observe(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	up := 1.0
	if err != nil {
		up = 0
	}
	m.up.WithLabelValues(name).Set(up)
	m.duration.WithLabelValues(name).Observe(took.Seconds())
}

// NewProbe checks every configured HTTP probe once per activation. Requests
// are paced by a shared limiter. A 429 or 503 answer with Retry-After asks
// the engine to retry after the given delay.
func NewProbe(probes func() []config.ProbeConfig, client *http.Client, reg prometheus.Registerer, log logx.Logger) taskqueue.Processor {
	if client == nil {
		client = &http.Client{}
	}
	metrics := newProbeMetrics(reg)
	lim := rate.NewLimiter(rate.Limit(probeRatePerSec), probeRatePerSec)

	return taskqueue.Processor{
		Queue: config.QueueProbes,
		Type:  config.TaskHTTPProbe,
		Options: engine.TaskOptions{
			RetryMax:      2,
			RetryBase:     time.Second,
			RetryMaxDelay: time.Minute,
		},
		Run: func(ctx context.Context, t taskqueue.Task) error {
			if probes == nil {
				return nil
			}
			list := probes()
			var errs []error
			var retryAfter time.Duration
			for _, p := range list {
				if err := lim.Wait(ctx); err != nil {
					return err
				}
				start := time.Now()
				err := checkProbe(ctx, client, p)
				took := time.Since(start)
				metrics.observe(p.Name, took, err)
				if err == nil {
					log.Debug("probe ok", logx.String("probe", p.Name), logx.Duration("took", took))
					continue
				}
				log.Warn("probe failed", logx.String("probe", p.Name), logx.Err(err))
				var ra engine.RetryAfterError
				if errors.As(err, &ra) {
					retryAfter = max(retryAfter, ra.RetryAfter())
				}
				errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
			}
			err := errors.Join(errs...)
			switch {
			case err == nil:
				return nil
			case allPermanent(errs):
				return engine.NoRetry(err)
			case retryAfter > 0:
				return engine.RetryAfter(err, retryAfter)
			}
			return err
		},
	}
}

func allPermanent(errs []error) bool {
	for _, e := range errs {
		if !engine.IsNoRetry(e) {
			return false
		}
	}
	return len(errs) > 0
}

func checkProbe(ctx context.Context, client *http.Client, p config.ProbeConfig) error {
	timeout, err := config.ParseDurationOrDefault("timeout", p.Timeout, defaultProbeTimeout)
	if err != nil {
		return engine.NoRetry(err)
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, method, strings.TrimSpace(p.URL), http.NoBody)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("bad probe request: %w", err))
	}
	req.Header.Set("User-Agent", "recurq-probe")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if statusOK(resp.StatusCode, p.Expect) {
		return nil
	}
	serr := fmt.Errorf("unexpected status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(serr, d)
		}
	}
	return serr
}

func statusOK(code, expect int) bool {
	if expect != 0 {
		return code == expect
	}
	return code >= 200 && code < 300
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}
