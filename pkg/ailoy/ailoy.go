// Package ailoy is the host-visible surface a binding links against:
// broker_start/broker_stop/vm_start/vm_stop entry points, a BrokerClient
// re-export, and a generate_uuid helper. A Runtime owns its broker/VM
// registry as instance state -- no process-level statics -- so a host
// process embedding more than one runtime (tests included) never shares
// state across instances by accident.
package ailoy

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brekkylab/ailoy/internal/config"
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/broker"
	"github.com/brekkylab/ailoy/pkg/brokerclient"
	"github.com/brekkylab/ailoy/pkg/modules"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/vm"
)

// housekeepingSchedule is the cron expression every broker's stale-
// transaction sweep runs on.
const housekeepingSchedule = "*/1 * * * *"

// BrokerClient is the type a host binding constructs to speak to a
// running broker, re-exported so callers never import pkg/brokerclient
// directly.
type BrokerClient = brokerclient.Client

// ClientOption configures a BrokerClient at construction time.
type ClientOption = brokerclient.Option

// WithClientName overrides a BrokerClient's generated UUID name.
func WithClientName(name string) ClientOption { return brokerclient.WithName(name) }

// Runtime owns every broker and VM a host process has started, keyed by
// the url each was started with.
type Runtime struct {
	cfg *config.Config

	mu           sync.Mutex
	brokers      map[string]*broker.Broker
	housekeeping map[string]*cron.Cron
	vms          map[string]*vm.VM
}

// New returns a Runtime. configPath is optional; an empty string or a
// missing file selects built-in defaults.
func New(configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("ailoy: loading config: %w", err)
	}
	return &Runtime{
		cfg:          cfg,
		brokers:      make(map[string]*broker.Broker),
		housekeeping: make(map[string]*cron.Cron),
		vms:          make(map[string]*vm.VM),
	}, nil
}

// BrokerStart starts a new broker bound to url, runs its dispatch loop in
// a background goroutine, and starts its stale-transaction housekeeping
// sweep. Starting the same url twice fails.
func (r *Runtime) BrokerStart(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.brokers[url]; exists {
		return aerr.New(aerr.KindValueError, "ailoy: broker already started: "+url)
	}
	b := broker.New(url)
	hk, err := b.StartHousekeeping(housekeepingSchedule, broker.DefaultStaleTransactionAge)
	if err != nil {
		return fmt.Errorf("ailoy: starting housekeeping: %w", err)
	}
	r.brokers[url] = b
	r.housekeeping[url] = hk
	go b.Run()
	return nil
}

// BrokerStop stops the broker bound to url, its housekeeping sweep, and
// removes both from the registry. Any VM still started against url is
// left running; callers should VMStop first.
func (r *Runtime) BrokerStop(url string) error {
	r.mu.Lock()
	b, exists := r.brokers[url]
	hk := r.housekeeping[url]
	if exists {
		delete(r.brokers, url)
		delete(r.housekeeping, url)
	}
	r.mu.Unlock()
	if !exists {
		return aerr.New(aerr.KindValueError, "ailoy: no broker started: "+url)
	}
	if hk != nil {
		hk.Stop()
	}
	b.Stop()
	return nil
}

// VMStart constructs a VM over the broker bound to url, registers the
// default module (filtered by the config's module allow-list) plus any
// extra modules the caller supplies, and runs its dispatch loop in a
// background goroutine.
func (r *Runtime) VMStart(url string, extra ...vm.Module) error {
	r.mu.Lock()
	b, exists := r.brokers[url]
	_, alreadyStarted := r.vms[url]
	r.mu.Unlock()
	if !exists {
		return aerr.New(aerr.KindValueError, "ailoy: no broker started: "+url)
	}
	if alreadyStarted {
		return aerr.New(aerr.KindValueError, "ailoy: vm already started: "+url)
	}

	mods := append([]vm.Module{r.filteredDefaultModule()}, extra...)
	v, err := vm.New(b, mods...)
	if err != nil {
		return fmt.Errorf("ailoy: starting vm: %w", err)
	}

	r.mu.Lock()
	r.vms[url] = v
	r.mu.Unlock()
	go v.Run()
	return nil
}

// VMStop stops the VM bound to url and removes it from the registry.
func (r *Runtime) VMStop(url string) error {
	r.mu.Lock()
	v, exists := r.vms[url]
	if exists {
		delete(r.vms, url)
	}
	r.mu.Unlock()
	if !exists {
		return aerr.New(aerr.KindValueError, "ailoy: no vm started: "+url)
	}
	v.Stop()
	return nil
}

// NewBrokerClient connects a fresh BrokerClient to the broker bound to
// url.
func (r *Runtime) NewBrokerClient(url string, opts ...ClientOption) (*BrokerClient, error) {
	r.mu.Lock()
	b, exists := r.brokers[url]
	r.mu.Unlock()
	if !exists {
		return nil, aerr.New(aerr.KindValueError, "ailoy: no broker started: "+url)
	}
	return brokerclient.New(b, opts...)
}

// filteredDefaultModule builds the default module and, if the config
// carries a non-empty allow-list, drops every function and component
// factory whose name is not on it.
func (r *Runtime) filteredDefaultModule() vm.Module {
	full := modules.Default(modules.Options{})
	if len(r.cfg.ModuleAllowList) == 0 {
		return full
	}

	out := vm.Module{
		Name:      full.Name,
		Functions: make(map[string]operator.Instant),
		Factories: make(map[string]operator.Factory),
	}
	for name, fn := range full.Functions {
		if r.cfg.Allows(name) {
			out.Functions[name] = fn
		}
	}
	for name, f := range full.Factories {
		if r.cfg.Allows(name) {
			out.Factories[name] = f
		}
	}
	return out
}

// GenerateUUID returns a fresh random UUID string, the same generator
// backing the default module's generate_uuid function.
func GenerateUUID() string { return uuid.NewString() }
