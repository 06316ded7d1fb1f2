/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the daemon's Prometheus metrics.
//
// All metrics are registered with the default registry and served on the
// daemon's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - tabwarden_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RuleRunsTotal counts rule runs by trigger kind and outcome.
	RuleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwarden_rule_runs_total",
			Help: "Total number of rule runs by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	// RuleRunDurationSeconds is a histogram of run duration by trigger.
	RuleRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabwarden_rule_run_duration_seconds",
			Help:    "Duration of rule runs in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	// RuleMatchesTotal counts tabs matched across all rule runs.
	RuleMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabwarden_rule_matches_total",
			Help: "Total tabs matched by rule evaluations.",
		},
	)

	// ActionsTotal counts dispatched actions by type and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwarden_actions_total",
			Help: "Total actions dispatched by action type and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// SchedulerTimers is the number of installed triggers by kind.
	SchedulerTimers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabwarden_scheduler_timers",
			Help: "Installed scheduler triggers by kind.",
		},
		[]string{"kind"},
	)

	// BridgeConnections is the number of connected extension bridges.
	BridgeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabwarden_bridge_connections",
			Help: "Number of connected browser extension bridges.",
		},
	)

	// SnoozedTabs is the number of tabs waiting in the snooze queue.
	SnoozedTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabwarden_snoozed_tabs",
			Help: "Number of tabs currently snoozed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RuleRunsTotal,
		RuleRunDurationSeconds,
		RuleMatchesTotal,
		ActionsTotal,
		SchedulerTimers,
		BridgeConnections,
		SnoozedTabs,
	)
}

// RecordRuleRun records one completed rule run.
func RecordRuleRun(trigger, outcome string, seconds float64) {
	RuleRunsTotal.WithLabelValues(trigger, outcome).Inc()
	RuleRunDurationSeconds.WithLabelValues(trigger).Observe(seconds)
}

// RecordRuleMatches adds one run's match count.
func RecordRuleMatches(n int) {
	if n > 0 {
		RuleMatchesTotal.Add(float64(n))
	}
}

// RecordAction records a single dispatched action result.
func RecordAction(action string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// SetSchedulerTimers records the installed trigger count for one kind.
func SetSchedulerTimers(kind string, n int) {
	SchedulerTimers.WithLabelValues(kind).Set(float64(n))
}

// SetBridgeConnections records the connected bridge count.
func SetBridgeConnections(n int) {
	BridgeConnections.Set(float64(n))
}

// SetSnoozedTabs records the snooze queue depth.
func SetSnoozedTabs(n int) {
	SnoozedTabs.Set(float64(n))
}
