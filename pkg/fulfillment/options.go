package fulfillment

import (
	"time"

	"go.uber.org/zap"
)

type settings struct {
	logger    *zap.Logger
	publisher ChangePublisher
	now       func() time.Time
}

// Option configures the shared dependencies of a fulfillment component.
type Option func(*settings)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(configuration *settings) {
		if logger != nil {
			configuration.logger = logger
		}
	}
}

// WithPublisher wires the receiver of committed order changes.
func WithPublisher(publisher ChangePublisher) Option {
	return func(configuration *settings) {
		configuration.publisher = publisher
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(configuration *settings) {
		if now != nil {
			configuration.now = now
		}
	}
}

func newSettings(options []Option) settings {
	configuration := settings{
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(&configuration)
		}
	}
	return configuration
}

func (configuration settings) publish(order Order, eventType string, verification *Verification) {
	if configuration.publisher == nil {
		return
	}
	configuration.publisher.Publish(order.UserID, ChangeEvent{Type: eventType, Order: order, Verification: verification})
}
