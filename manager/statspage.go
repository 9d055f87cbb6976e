package manager

import (
	"fmt"
	"io"
	"runtime"
	"strconv"
	"time"

	"github.com/prilive-com/botgate/stats"
	"github.com/prilive-com/botgate/webhook"
)

// WriteStats renders the TSV stats page: process-level rows first, then the
// top-scoring bots with their per-bot counters.
func (m *Manager) WriteStats(w io.Writer) error {
	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	botCount := len(m.bots)
	var activeQueries int64
	var activeWebhooks int
	reports := make([]stats.BotReport, 0, len(m.bots))
	for _, mb := range m.bots {
		activeQueries += mb.stats.ActiveCount.Load()
		if mb.stats.WebhookActive.Load() {
			activeWebhooks++
		}
		reports = append(reports, m.botReport(mb, now))
	}
	m.mu.Unlock()

	rows := []stats.Row{
		{Key: "uptime", Value: fmt.Sprintf("%.3f", now.Sub(m.startTime).Seconds())},
		{Key: "bot_count", Value: strconv.Itoa(botCount)},
		{Key: "active_webhook_count", Value: strconv.Itoa(activeWebhooks)},
		{Key: "total_connection_count", Value: strconv.FormatInt(webhook.TotalConnections(), 10)},
		{Key: "active_query_count", Value: strconv.FormatInt(activeQueries, 10)},
		{Key: "query_count", Value: strconv.FormatInt(m.queryCount.Load(), 10)},
		{Key: "rss", Value: strconv.FormatUint(ms.Sys, 10)},
		{Key: "buffer_memory", Value: strconv.FormatUint(ms.HeapAlloc, 10)},
	}
	if err := stats.WriteTSV(w, rows); err != nil {
		return err
	}

	for _, report := range stats.TopK(reports, statsTopK) {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		if err := stats.WriteTSV(w, report.Rows); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) botReport(mb *managedBot, now time.Time) stats.BotReport {
	req := mb.stats.Requests.Snapshot(now)
	upd := mb.stats.Updates.Snapshot(now)
	errs := mb.stats.Errors.Snapshot(now)
	rows := []stats.Row{
		{Key: "id", Value: strconv.FormatInt(mb.id, 10)},
		{Key: "uptime", Value: fmt.Sprintf("%.3f", now.Sub(mb.stats.StartTime).Seconds())},
		{Key: "request_count/sec", Value: fmt.Sprintf("%.3f", req.Rate(time.Minute))},
		{Key: "update_count/sec", Value: fmt.Sprintf("%.3f", upd.Rate(time.Minute))},
		{Key: "error_count", Value: fmt.Sprintf("%.0f", errs.Total)},
		{Key: "active_request_count", Value: strconv.FormatInt(mb.stats.ActiveCount.Load(), 10)},
		{Key: "webhook", Value: strconv.FormatBool(mb.stats.WebhookActive.Load())},
	}
	return stats.BotReport{ID: mb.id, Score: mb.stats.Score(now), Rows: rows}
}
