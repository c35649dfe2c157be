// Package modules supplies the default vm.Module bundles a host process
// registers at startup: the always-available function/component set
// plus a couple of sample stateful/iterative components
// used to exercise the VM dispatcher's component lifecycle without a
// real language model backing them.
package modules

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/vm"
)

// Options configures Default.
type Options struct {
	// HTTPRequestRate bounds outbound http_request calls per second.
	// Zero selects a 10 req/s default.
	HTTPRequestRate rate.Limit
	// HTTPRequestBurst is the burst size for the same limiter. Zero
	// selects a default of 5.
	HTTPRequestBurst int
	// HTTPClient overrides the client used by http_request. Nil selects
	// a new http.Client with a 30-second timeout.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.HTTPRequestRate == 0 {
		o.HTTPRequestRate = rate.Limit(10)
	}
	if o.HTTPRequestBurst == 0 {
		o.HTTPRequestBurst = 5
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

// Default returns the module every host process registers unconditionally:
// echo, calculator, http_request, and generate_uuid functions, plus the
// accumulator and speller sample component factories.
func Default(opts Options) vm.Module {
	opts = opts.withDefaults()
	limiter := rate.NewLimiter(opts.HTTPRequestRate, opts.HTTPRequestBurst)

	return vm.Module{
		Name: "default",
		Functions: map[string]operator.Instant{
			"echo":          echoFunction(),
			"calculator":    calculatorFunction(),
			"http_request":  httpRequestFunction(limiter, opts.HTTPClient),
			"generate_uuid": generateUUIDFunction(),
		},
		Factories: map[string]operator.Factory{
			"accumulator": accumulatorFactory(),
			"speller":     spellerFactory(),
		},
	}
}
