// Package stats implements the windowed counters reported on the statistics
// port: per-bot and per-process event rates over 5 s, 1 m, 1 h, and
// process-lifetime windows, plus the TSV rendering used by the stats
// endpoint.
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is one counter read-out.
type Snapshot struct {
	Last5s float64
	Last1m float64
	Last1h float64
	Total  float64
}

// Rate returns the per-second rate of the window.
func (s Snapshot) Rate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	switch window {
	case 5 * time.Second:
		return s.Last5s / 5
	case time.Minute:
		return s.Last1m / 60
	case time.Hour:
		return s.Last1h / 3600
	}
	return 0
}

// Counter accumulates events into one-second and one-minute bucket rings so
// the 5 s / 1 m / 1 h windows can be read without retaining per-event state.
type Counter struct {
	mu sync.Mutex

	secBuckets [60]float64
	secHead    int64 // unix second of secBuckets head

	minBuckets [60]float64
	minHead    int64 // unix minute of minBuckets head

	total float64
}

// Add records v events at now.
func (c *Counter) Add(now time.Time, v float64) {
	sec := now.Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotate(sec)
	c.secBuckets[sec%60] += v
	c.minBuckets[(sec/60)%60] += v
	c.total += v
}

// Inc records one event at now.
func (c *Counter) Inc(now time.Time) { c.Add(now, 1) }

// Snapshot reads the current windows at now.
func (c *Counter) Snapshot(now time.Time) Snapshot {
	sec := now.Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotate(sec)

	var s Snapshot
	for i := int64(0); i < 5; i++ {
		s.Last5s += c.secBuckets[((sec-i)%60+60)%60]
	}
	for i := int64(0); i < 60; i++ {
		s.Last1m += c.secBuckets[((sec-i)%60+60)%60]
	}
	minute := sec / 60
	for i := int64(0); i < 60; i++ {
		s.Last1h += c.minBuckets[((minute-i)%60+60)%60]
	}
	s.Total = c.total
	return s
}

// rotate zeroes buckets skipped since the previous access. Called with the
// lock held.
func (c *Counter) rotate(sec int64) {
	if c.secHead == 0 {
		c.secHead = sec
		c.minHead = sec / 60
		return
	}
	for t := c.secHead + 1; t <= sec && t-c.secHead <= 60; t++ {
		c.secBuckets[t%60] = 0
	}
	if sec-c.secHead > 60 {
		c.secBuckets = [60]float64{}
	}
	c.secHead = sec

	minute := sec / 60
	for t := c.minHead + 1; t <= minute && t-c.minHead <= 60; t++ {
		c.minBuckets[t%60] = 0
	}
	if minute-c.minHead > 60 {
		c.minBuckets = [60]float64{}
	}
	c.minHead = minute
}

// Bot holds the per-bot counter taxonomy.
type Bot struct {
	Requests      Counter
	RequestBytes  Counter
	Updates       Counter
	Errors        Counter
	ActiveCount   atomic.Int64 // requests currently in flight
	StartTime     time.Time
	WebhookActive atomic.Bool
}

// NewBot creates per-bot stats anchored at now.
func NewBot(now time.Time) *Bot {
	return &Bot{StartTime: now}
}

// Score ranks bots for the top-K section of the stats page: short-range rps
// plus long-range rps plus in-flight requests plus upload pressure.
func (b *Bot) Score(now time.Time) float64 {
	req := b.Requests.Snapshot(now)
	bytes := b.RequestBytes.Snapshot(now)
	score := req.Rate(time.Minute) + req.Rate(time.Hour)
	score += float64(b.ActiveCount.Load())
	score += bytes.Rate(time.Minute) / (64 << 10)
	return score
}

// Row is one key/value line of the TSV output.
type Row struct {
	Key   string
	Value string
}

// WriteTSV renders rows as tab-separated lines.
func WriteTSV(w io.Writer, rows []Row) error {
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", r.Key, r.Value); err != nil {
			return err
		}
	}
	return nil
}

// BotReport couples a bot id with its score for top-K selection.
type BotReport struct {
	ID    int64
	Score float64
	Rows  []Row
}

// TopK returns the k highest-scoring reports, ordered descending, ties
// broken by ascending id for deterministic output.
func TopK(reports []BotReport, k int) []BotReport {
	sorted := append([]BotReport(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
