package eventbus

import "context"

// Bus is the publishing side of the event bus. The pipeline only ever
// publishes; consumption belongs to downstream services.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NoopBus discards all events. Used when the event bus is disabled.
type NoopBus struct{}

// NewNoopBus returns a Bus that does nothing.
func NewNoopBus() *NoopBus {
	return &NoopBus{}
}

// Publish discards the event.
func (b *NoopBus) Publish(ctx context.Context, event *Event) error {
	return nil
}

// Close is a no-op.
func (b *NoopBus) Close() error {
	return nil
}
