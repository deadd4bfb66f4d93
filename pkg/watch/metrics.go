// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes watch-loop counters. A nil *Metrics disables recording, so
// the orchestrator never has to check.
type Metrics struct {
	syncsTotal     *prometheus.CounterVec
	filesReindexed prometheus.Counter
	filesRemoved   prometheus.Counter
	debounceFires  prometheus.Counter
	backoffSkips   prometheus.Counter
}

// NewMetrics registers the watch counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		syncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rex_watch_syncs_total",
			Help: "Sync passes per repo and result.",
		}, []string{"repo", "result"}),
		filesReindexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rex_watch_files_reindexed_total",
			Help: "Files whose passages were re-uploaded.",
		}),
		filesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "rex_watch_files_removed_total",
			Help: "Files whose passages were dropped.",
		}),
		debounceFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "rex_watch_debounce_fires_total",
			Help: "Debounce windows that drained into a sync attempt.",
		}),
		backoffSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "rex_watch_backoff_skips_total",
			Help: "Sync attempts suppressed by failure backoff.",
		}),
	}
}

func (m *Metrics) recordSync(repo, result string) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(repo, result).Inc()
}

func (m *Metrics) recordFiles(reindexed, removed int) {
	if m == nil {
		return
	}
	m.filesReindexed.Add(float64(reindexed))
	m.filesRemoved.Add(float64(removed))
}

func (m *Metrics) recordDebounceFire() {
	if m == nil {
		return
	}
	m.debounceFires.Inc()
}

func (m *Metrics) recordBackoffSkip() {
	if m == nil {
		return
	}
	m.backoffSkips.Inc()
}
