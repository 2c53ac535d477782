// Package telemetry provides a counter/meter sink and a ticker-driven
// summary logger, grounded on original_source/stats.py's Stats class (a
// Counter plus a defaultdict of sampled values, flushed and logged on an
// interval) and restructured the way the teacher drives its own periodic
// logging in server/metrics.go (a context-cancelable goroutine around a
// time.Ticker, log.Printf as the sink).
//
// Registry is an explicit object, constructed once per process and
// passed into every component that records telemetry (channel.New,
// player.New, transport.New, relay.New) — mirroring the audio device in
// cmd/peer, which is likewise built once and threaded through rather
// than reached via a package-level singleton.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects counters and sampled values until Run flushes them.
type Registry struct {
	mu      sync.Mutex
	counts  map[string]int64
	samples map[string][]float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		counts:  make(map[string]int64),
		samples: make(map[string][]float64),
	}
}

// Count increments a named counter by 1, resetting on each flush —
// mirrors stats.py's COUNT.
func (r *Registry) Count(key string) { r.CountBy(key, 1) }

// CountBy increments a named counter by delta.
func (r *Registry) CountBy(key string, delta int64) {
	r.mu.Lock()
	r.counts[key] += delta
	r.mu.Unlock()
}

// Meter records a sampled value under key; a flush reports the mean of
// all samples recorded since the previous one — mirrors stats.py's METER.
func (r *Registry) Meter(key string, value float64) {
	r.mu.Lock()
	r.samples[key] = append(r.samples[key], value)
	r.mu.Unlock()
}

// snapshot is one flushed interval's worth of counters and sample means.
type snapshot struct {
	counts map[string]int64
	means  map[string]float64
}

// flush atomically drains the registry and returns what was collected.
func (r *Registry) flush() snapshot {
	r.mu.Lock()
	counts := r.counts
	samples := r.samples
	r.counts = make(map[string]int64)
	r.samples = make(map[string][]float64)
	r.mu.Unlock()

	means := make(map[string]float64, len(samples))
	for key, values := range samples {
		if len(values) == 0 {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		means[key] = sum / float64(len(values))
	}
	return snapshot{counts: counts, means: means}
}

// Run logs a summary line of every counter and meter mean recorded since
// the previous tick, at the given interval, until ctx is canceled. A tick
// with nothing recorded is skipped.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.flush()
			if len(s.counts) == 0 && len(s.means) == 0 {
				continue
			}
			logSnapshot(s)
		}
	}
}

func logSnapshot(s snapshot) {
	keys := make([]string, 0, len(s.counts)+len(s.means))
	cols := make(map[string]string, cap(keys))
	for key, count := range s.counts {
		col := "# " + key
		keys = append(keys, col)
		cols[col] = fmt.Sprintf("%d", count)
	}
	for key, mean := range s.means {
		col := "avg " + key
		keys = append(keys, col)
		if mean < 1000 {
			cols[col] = fmt.Sprintf("%.3g", mean)
		} else {
			cols[col] = fmt.Sprintf("%d", int64(mean))
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key + "=" + cols[key]
	}
	log.Printf("[telemetry] %s", strings.Join(parts, " | "))
}
