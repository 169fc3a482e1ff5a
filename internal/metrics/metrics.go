// Package metrics holds the OpenTelemetry instruments of the relay.
// Instruments come from the global meter provider, which is a no-op until
// the host installs a real one.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every chatline instrument.
const MeterName = "chatline"

// Instruments groups the counters the relay records.
type Instruments struct {
	meter metric.Meter

	RoomJoins          metric.Int64Counter
	RoomLeaves         metric.Int64Counter
	Publishes          metric.Int64Counter
	DroppedDeliveries  metric.Int64Counter
	PersistedMessages  metric.Int64Counter
	RejectedHandshakes metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Instruments, error) {
	i := &Instruments{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&i.RoomJoins, "chat_room_joins_total", "Sessions joined to a room"},
		{&i.RoomLeaves, "chat_room_leaves_total", "Sessions removed from a room"},
		{&i.Publishes, "chat_room_publishes_total", "Payloads published to a room"},
		{&i.DroppedDeliveries, "chat_dropped_deliveries_total", "Deliveries dropped because a mailbox was full"},
		{&i.PersistedMessages, "chat_messages_persisted_total", "Inbound messages stored by the gateway"},
		{&i.RejectedHandshakes, "chat_handshakes_rejected_total", "Connection attempts closed before joining"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return i, nil
}

// Default creates the instruments on the global meter provider.
func Default() *Instruments {
	i, err := New(otel.Meter(MeterName))
	if err != nil {
		return Noop()
	}
	return i
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	i, _ := New(noop.NewMeterProvider().Meter(MeterName))
	return i
}

// ObserveGauge registers an observable gauge reporting observe() on every
// collection.
func (i *Instruments) ObserveGauge(name, desc string, observe func() int64) error {
	gauge, err := i.meter.Int64ObservableGauge(name, metric.WithDescription(desc))
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}
	_, err = i.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, observe())
		return nil
	}, gauge)
	return err
}

// Room is the attribute set identifying a room.
func Room(room string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("room", room))
}

// Reason is the attribute set identifying why something was rejected.
func Reason(reason string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}
