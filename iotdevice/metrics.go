package iotdevice

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/amenzhinsky/iothubcore/iotdevice"

// metrics holds session instruments, all of them share the transport attribute.
type metrics struct {
	attrs metric.MeasurementOption

	sends         metric.Int64Counter
	confirmations metric.Int64Counter
	received      metric.Int64Counter
	reconnects    metric.Int64Counter
	panics        metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, transportName string, kind Kind) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{
		attrs: metric.WithAttributes(
			attribute.String("transport", transportName),
			attribute.String("kind", kind.String()),
		),
	}

	var err error
	if m.sends, err = meter.Int64Counter(
		"iothub.device.sends",
		metric.WithDescription("Messages handed over to the transport"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sends counter: %w", err)
	}
	if m.confirmations, err = meter.Int64Counter(
		"iothub.device.confirmations",
		metric.WithDescription("Send confirmations by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create confirmations counter: %w", err)
	}
	if m.received, err = meter.Int64Counter(
		"iothub.device.received",
		metric.WithDescription("Inbound messages"),
	); err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}
	if m.reconnects, err = meter.Int64Counter(
		"iothub.device.reconnects",
		metric.WithDescription("Reconnection attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}
	if m.panics, err = meter.Int64Counter(
		"iothub.device.callback_panics",
		metric.WithDescription("Recovered user callback panics"),
	); err != nil {
		return nil, fmt.Errorf("failed to create callback_panics counter: %w", err)
	}
	return m, nil
}

func (m *metrics) send() {
	m.sends.Add(context.Background(), 1, m.attrs)
}

func (m *metrics) confirm(r ConfirmationResult) {
	m.confirmations.Add(context.Background(), 1, m.attrs,
		metric.WithAttributes(attribute.String("result", r.String())))
}

func (m *metrics) receive() {
	m.received.Add(context.Background(), 1, m.attrs)
}

func (m *metrics) reconnect() {
	m.reconnects.Add(context.Background(), 1, m.attrs)
}

func (m *metrics) callbackPanic(name string) {
	m.panics.Add(context.Background(), 1, m.attrs,
		metric.WithAttributes(attribute.String("callback", name)))
}
