/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getCounterTotal(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRuleRun(t *testing.T) {
	RecordRuleRun("repeat", "ok", 0.42)

	val := getCounterValue(RuleRunsTotal, "repeat", "ok")
	if val < 1 {
		t.Errorf("RuleRunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RuleRunDurationSeconds, "repeat")
	if count < 1 {
		t.Errorf("RuleRunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordRuleMatches(t *testing.T) {
	before := getCounterTotal(RuleMatchesTotal)

	RecordRuleMatches(3)
	after := getCounterTotal(RuleMatchesTotal)
	if after != before+3 {
		t.Errorf("RuleMatchesTotal = %f, want %f", after, before+3)
	}

	// Zero-match runs add nothing
	RecordRuleMatches(0)
	if got := getCounterTotal(RuleMatchesTotal); got != after {
		t.Errorf("RuleMatchesTotal after zero = %f, want %f", got, after)
	}
}

func TestRecordAction(t *testing.T) {
	RecordAction("close", true)
	RecordAction("close", true)
	RecordAction("close", false)

	ok := getCounterValue(ActionsTotal, "close", "ok")
	if ok < 2 {
		t.Errorf("ActionsTotal{close,ok} = %f, want >= 2", ok)
	}

	failed := getCounterValue(ActionsTotal, "close", "error")
	if failed < 1 {
		t.Errorf("ActionsTotal{close,error} = %f, want >= 1", failed)
	}
}

func TestSetSchedulerTimers(t *testing.T) {
	SetSchedulerTimers("repeat", 4)

	val := getGaugeVecValue(SchedulerTimers, "repeat")
	if val != 4 {
		t.Errorf("SchedulerTimers = %f, want 4", val)
	}

	// Update it
	SetSchedulerTimers("repeat", 1)
	val = getGaugeVecValue(SchedulerTimers, "repeat")
	if val != 1 {
		t.Errorf("SchedulerTimers after update = %f, want 1", val)
	}
}

func TestBridgeConnections(t *testing.T) {
	SetBridgeConnections(2)
	if val := getGaugeValue(BridgeConnections); val != 2 {
		t.Errorf("BridgeConnections = %f, want 2", val)
	}

	SetBridgeConnections(0)
	if val := getGaugeValue(BridgeConnections); val != 0 {
		t.Errorf("BridgeConnections after disconnect = %f, want 0", val)
	}
}

func TestSetSnoozedTabs(t *testing.T) {
	SetSnoozedTabs(7)
	if val := getGaugeValue(SnoozedTabs); val != 7 {
		t.Errorf("SnoozedTabs = %f, want 7", val)
	}
}

func TestActionLabelIsolation(t *testing.T) {
	RecordAction("pin", true)
	RecordAction("mute", false)

	pinOK := getCounterValue(ActionsTotal, "pin", "ok")
	muteErr := getCounterValue(ActionsTotal, "mute", "error")
	pinErr := getCounterValue(ActionsTotal, "pin", "error")

	if pinOK < 1 {
		t.Error("ActionsTotal{pin,ok} should be >= 1")
	}
	if muteErr < 1 {
		t.Error("ActionsTotal{mute,error} should be >= 1")
	}
	if pinErr != 0 {
		t.Errorf("ActionsTotal{pin,error} = %f, want 0", pinErr)
	}
}
