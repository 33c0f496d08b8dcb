package net

import (
	"github.com/rcrowley/go-metrics"
)

type dispatchMetrics struct {
	events   [3]metrics.Counter
	invalid  metrics.Counter
	teardown metrics.Counter
}

func newDispatchMetrics(r metrics.Registry) dispatchMetrics {
	return dispatchMetrics{
		events: [3]metrics.Counter{
			metrics.GetOrRegisterCounter("vnet.events.tap", r),
			metrics.GetOrRegisterCounter("vnet.events.rx", r),
			metrics.GetOrRegisterCounter("vnet.events.tx", r),
		},
		invalid:  metrics.GetOrRegisterCounter("vnet.events.invalid", r),
		teardown: metrics.GetOrRegisterCounter("vnet.teardown", r),
	}
}

type frameMetrics struct {
	rxFrames   metrics.Counter
	rxBytes    metrics.Counter
	rxDeferred metrics.Counter
	txFrames   metrics.Counter
	txBytes    metrics.Counter
	backlog    metrics.Gauge
}

func newFrameMetrics(r metrics.Registry) frameMetrics {
	return frameMetrics{
		rxFrames:   metrics.GetOrRegisterCounter("vnet.rx.frames", r),
		rxBytes:    metrics.GetOrRegisterCounter("vnet.rx.bytes", r),
		rxDeferred: metrics.GetOrRegisterCounter("vnet.rx.deferred", r),
		txFrames:   metrics.GetOrRegisterCounter("vnet.tx.frames", r),
		txBytes:    metrics.GetOrRegisterCounter("vnet.tx.bytes", r),
		backlog:    metrics.GetOrRegisterGauge("vnet.rx.backlog", r),
	}
}
