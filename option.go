package paycore

import (
	"time"

	"github.com/linkpay/paycore/clients"
	"github.com/linkpay/paycore/ledger"
	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/metrics"
	"github.com/linkpay/paycore/notify"
	"github.com/linkpay/paycore/oracle"
	"github.com/linkpay/paycore/types"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(e *Engine) {
		e.timeout = t
	}
}

// WithStore replaces the default in-memory store with a persistent
// implementation of the ledger contract.
func WithStore(s ledger.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithPriceSource supplies the external USD price feed consumed by the
// price oracle. Without one, every quote uses the fallback price.
func WithPriceSource(s oracle.PriceSource) Option {
	return func(e *Engine) {
		e.priceSource = s
	}
}

// WithConfigSource enables TTL-based refresh of the fee config from an
// external record. In-flight quotes keep their original values.
func WithConfigSource(s ConfigSource) Option {
	return func(e *Engine) {
		e.configSource = s
	}
}

// WithClient injects a prebuilt chain client for a network, bypassing
// AddNetwork. Intended for tests and custom transports.
func WithClient(network types.Network, c clients.Client) Option {
	return func(e *Engine) {
		e.clients[network] = c
	}
}

// WithClock overrides the engine time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}
