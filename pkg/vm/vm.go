// Package vm implements the execute-packet dispatcher that owns operator
// and component registries and drives the three execution shapes to
// completion. Its dispatch loop is the in-process
// descendant of strandapi/pkg/server.Server.ListenAndServe -- a blocking
// receive feeding a kind switch, with graceful shutdown via a done
// channel and WaitGroup -- generalised from "one fixed Handler" to "a
// registry of functions, component factories, and live components".
package vm

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/broker"
	"github.com/brekkylab/ailoy/pkg/brokerclient"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
	"github.com/brekkylab/ailoy/pkg/wire"
)

// Module is an immutable bundle of instant-function operators and
// component factories. Modules are applied to a VM in
// order at construction; name collisions are resolved by declaration
// order, earlier wins.
type Module struct {
	Name      string
	Functions map[string]operator.Instant
	Factories map[string]operator.Factory
}

const defaultListenTimeout = brokerclient.DefaultListenTimeout

type vmMetrics struct {
	dispatched     *prometheus.CounterVec
	operatorFails  *prometheus.CounterVec
	stepDuration   prometheus.Histogram
	liveComponents prometheus.Gauge
}

// newMetrics registers its collectors on a registry private to this VM
// instead of prometheus.DefaultRegisterer, so constructing a second VM in
// the same process (a second runtime, or a second test) never collides
// with the first one's metric names.
func newMetrics(namespace string) *vmMetrics {
	reg := promauto.With(prometheus.NewRegistry())
	return &vmMetrics{
		dispatched: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_dispatched_total",
			Help:      "execute packets dispatched, by instruction.",
		}, []string{"instruction"}),
		operatorFails: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_operator_errors_total",
			Help:      "Operator failures surfaced to callers, by error kind.",
		}, []string{"kind"}),
		stepDuration: reg.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_iterative_step_seconds",
			Help:      "Wall time of one iterative operator Step call.",
		}),
		liveComponents: reg.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_live_components",
			Help:      "Live components owned by this VM.",
		}),
	}
}

// VM is the dispatcher: one broker client named "vm", a function
// registry, a component-factory registry, and a live-component table.
type VM struct {
	client *brokerclient.Client
	broker *broker.Broker

	functions map[string]operator.Instant
	factories map[string]operator.Factory

	mu         sync.Mutex
	components map[string]*operator.Component

	done chan struct{}
	wg   sync.WaitGroup

	metrics *vmMetrics
}

// New constructs a VM over b, merging modules in order (earlier module
// wins on name collision), connects its broker client, and subscribes to
// every registered function and component-type name. Call Run to start
// the dispatch loop.
func New(b *broker.Broker, modules ...Module) (*VM, error) {
	vmClient, err := brokerclient.New(b, brokerclient.WithName("vm"))
	if err != nil {
		return nil, fmt.Errorf("vm: connect: %w", err)
	}

	v := &VM{
		client:     vmClient,
		broker:     b,
		functions:  make(map[string]operator.Instant),
		factories:  make(map[string]operator.Factory),
		components: make(map[string]*operator.Component),
		done:       make(chan struct{}),
		metrics:    newMetrics("ailoy"),
	}

	for _, m := range modules {
		for name, fn := range m.Functions {
			if _, exists := v.functions[name]; !exists {
				v.functions[name] = fn
			}
		}
		for name, f := range m.Factories {
			if _, exists := v.factories[name]; !exists {
				v.factories[name] = f
			}
		}
	}

	for name := range v.functions {
		if err := vmClient.SubscribeFunction(name); err != nil {
			return nil, fmt.Errorf("vm: subscribe function %q: %w", name, err)
		}
	}
	for name := range v.factories {
		if err := vmClient.SubscribeComponentFactory(name); err != nil {
			return nil, fmt.Errorf("vm: subscribe component factory %q: %w", name, err)
		}
	}

	return v, nil
}

// Run enters the dispatch loop and blocks until Stop is called. Callers
// typically invoke it with `go v.Run()`.
func (v *VM) Run() {
	v.wg.Add(1)
	defer v.wg.Done()
	for {
		select {
		case <-v.done:
			v.shutdown()
			return
		default:
		}
		p, err := v.client.Listen(defaultListenTimeout)
		if err != nil {
			log.Printf("ailoycore: vm: listen: %v", err)
			continue
		}
		if p == nil {
			continue
		}
		if p.Kind != wire.KindExecute {
			continue
		}
		v.dispatchExecute(p)
	}
}

// Stop signals the dispatch loop to exit after its current step and waits
// for it to do so.
func (v *VM) Stop() {
	close(v.done)
	v.wg.Wait()
}

func (v *VM) shutdown() {
	for name := range v.functions {
		_ = v.client.UnsubscribeFunction(name)
	}
	for name := range v.factories {
		_ = v.client.UnsubscribeComponentFactory(name)
	}
	v.mu.Lock()
	comps := make([]*operator.Component, 0, len(v.components))
	for _, c := range v.components {
		comps = append(comps, c)
	}
	v.mu.Unlock()
	for _, c := range comps {
		for method := range c.Methods {
			_ = v.client.UnsubscribeMethod(c.Name, method)
		}
	}
	_ = v.client.Disconnect()
}

func (v *VM) dispatchExecute(p *wire.Packet) {
	if !p.HasInstruction {
		return
	}
	txid, _ := p.TxID()
	v.metrics.dispatched.WithLabelValues(instructionName(p.Instruction)).Inc()

	switch p.Instruction {
	case wire.InstructionCallFunction:
		v.handleCallFunction(txid, p)
	case wire.InstructionDefineComponent:
		v.handleDefineComponent(txid, p)
	case wire.InstructionDeleteComponent:
		v.handleDeleteComponent(txid, p)
	case wire.InstructionCallMethod:
		v.handleCallMethod(txid, p)
	}
}

func (v *VM) handleCallFunction(txid string, p *wire.Packet) {
	name, _ := wire.Target(p)
	fn, ok := v.functions[name]
	if !ok {
		v.fail(txid, 0, aerr.Newf(aerr.KindNoSuchFunction, "no such function %q", name))
		return
	}
	out, err := runProtected(func() (value.Value, error) { return fn.Run(p.Body) })
	if err != nil {
		v.fail(txid, 0, err)
		return
	}
	v.succeed(txid, 0, true, out)
}

func (v *VM) handleDefineComponent(txid string, p *wire.Packet) {
	typeName, _ := wire.Target(p)
	factory, ok := v.factories[typeName]
	if !ok {
		v.fail(txid, 0, aerr.Newf(aerr.KindNoSuchComponent, "no such component type %q", typeName))
		return
	}

	name, attrs, err := parseDefineBody(p.Body)
	if err != nil {
		v.fail(txid, 0, err)
		return
	}

	v.mu.Lock()
	_, exists := v.components[name]
	v.mu.Unlock()
	if exists {
		v.fail(txid, 0, aerr.Newf(aerr.KindComponentExists, "component %q already exists", name))
		return
	}

	comp, err := runProtectedComponent(func() (*operator.Component, error) { return factory(name, attrs) })
	if err != nil {
		v.fail(txid, 0, err)
		return
	}

	v.mu.Lock()
	v.components[name] = comp
	v.metrics.liveComponents.Set(float64(len(v.components)))
	v.mu.Unlock()

	for method := range comp.Methods {
		if err := v.client.SubscribeMethod(name, method); err != nil {
			log.Printf("ailoycore: vm: subscribe method %s.%s: %v", name, method, err)
		}
	}
	v.succeed(txid, 0, true, value.NewMap())
}

func parseDefineBody(body value.Value) (name string, attrs value.Value, err error) {
	mv, ok := body.(*value.Map)
	if !ok {
		return "", nil, aerr.NewType("define_component", "body", "map", body.Kind().String())
	}
	nameV, ok := mv.Get("name")
	if !ok {
		return "", nil, aerr.NewValue("define_component", "name", "present", "missing")
	}
	nameS, ok := nameV.(value.String)
	if !ok {
		return "", nil, aerr.NewType("define_component", "name", "string", nameV.Kind().String())
	}
	attrsV, ok := mv.Get("attrs")
	if !ok {
		attrsV = value.NewMap()
	}
	return string(nameS), attrsV, nil
}

func (v *VM) handleDeleteComponent(txid string, p *wire.Packet) {
	mv, ok := p.Body.(*value.Map)
	if !ok {
		v.fail(txid, 0, aerr.NewType("delete_component", "body", "map", p.Body.Kind().String()))
		return
	}
	nameV, ok := mv.Get("name")
	if !ok {
		v.fail(txid, 0, aerr.NewValue("delete_component", "name", "present", "missing"))
		return
	}
	nameS, ok := nameV.(value.String)
	if !ok {
		v.fail(txid, 0, aerr.NewType("delete_component", "name", "string", nameV.Kind().String()))
		return
	}
	name := string(nameS)

	v.mu.Lock()
	comp, ok := v.components[name]
	if ok {
		delete(v.components, name)
		v.metrics.liveComponents.Set(float64(len(v.components)))
	}
	v.mu.Unlock()

	if !ok {
		v.fail(txid, 0, aerr.Newf(aerr.KindNoSuchComponent, "no such component %q", name))
		return
	}
	for method := range comp.Methods {
		_ = v.client.UnsubscribeMethod(name, method)
	}
	v.succeed(txid, 0, true, value.NewMap())
}

func (v *VM) handleCallMethod(txid string, p *wire.Packet) {
	component, method, ok := wire.ComponentMethod(p)
	if !ok {
		v.fail(txid, 0, aerr.New(aerr.KindInvalidPacket, "call_method missing component/method headers"))
		return
	}

	v.mu.Lock()
	comp, ok := v.components[component]
	v.mu.Unlock()
	if !ok {
		v.fail(txid, 0, aerr.Newf(aerr.KindNoSuchComponent, "no such component %q", component))
		return
	}

	op, err := comp.Method(method)
	if err != nil {
		v.fail(txid, 0, err)
		return
	}

	if instant, ok := operator.AsInstant(op); ok {
		out, err := runProtected(func() (value.Value, error) { return instant.Run(p.Body) })
		if err != nil {
			v.fail(txid, 0, err)
			return
		}
		v.succeed(txid, 0, true, out)
		return
	}

	iter, ok := operator.AsIterative(op)
	if !ok {
		v.fail(txid, 0, aerr.Newf(aerr.KindNoSuchMethod, "method %q has no runnable shape", method))
		return
	}
	v.runIterative(txid, iter, p.Body)
}

func (v *VM) runIterative(txid string, iter operator.Iterative, input value.Value) {
	if err := runProtectedErr(func() error { return iter.Initialize(input) }); err != nil {
		v.fail(txid, 0, err)
		return
	}

	var seq uint32
	for {
		if !v.broker.TransactionAlive(txid) {
			return // cancelled: no partial packet emitted
		}

		start := time.Now()
		step, err := runProtectedStep(iter.Step)
		v.metrics.stepDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			v.fail(txid, seq, err)
			return
		}
		if err := v.client.RespondExecute(txid, seq, step.Finished, step.Value); err != nil {
			return
		}
		if step.Finished {
			return
		}
		seq++
	}
}

func (v *VM) succeed(txid string, seq uint32, done bool, out value.Value) {
	if err := v.client.RespondExecute(txid, seq, done, out); err != nil {
		log.Printf("ailoycore: vm: respond_execute: %v", err)
	}
}

func (v *VM) fail(txid string, seq uint32, err error) {
	reason := err.Error()
	kind := "unknown"
	if ae, ok := err.(*aerr.Error); ok {
		reason = ae.Reason()
		kind = string(ae.Kind)
	}
	v.metrics.operatorFails.WithLabelValues(kind).Inc()
	if sendErr := v.client.RespondExecuteError(txid, seq, reason); sendErr != nil {
		log.Printf("ailoycore: vm: respond_execute error: %v", sendErr)
	}
}

func instructionName(i wire.Instruction) string {
	switch i {
	case wire.InstructionCallFunction:
		return "call_function"
	case wire.InstructionDefineComponent:
		return "define_component"
	case wire.InstructionDeleteComponent:
		return "delete_component"
	case wire.InstructionCallMethod:
		return "call_method"
	default:
		return "unknown"
	}
}

// runProtected recovers a panic from user operator code and turns it into
// an error: the VM never aborts on an operator failure.
func runProtected(fn func() (value.Value, error)) (out value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aerr.Newf(aerr.KindOperatorTerminated, "operator panicked: %v", r)
		}
	}()
	return fn()
}

func runProtectedComponent(fn func() (*operator.Component, error)) (out *operator.Component, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aerr.Newf(aerr.KindOperatorTerminated, "component factory panicked: %v", r)
		}
	}()
	return fn()
}

func runProtectedErr(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aerr.Newf(aerr.KindOperatorTerminated, "operator panicked: %v", r)
		}
	}()
	return fn()
}

func runProtectedStep(fn func() (operator.Step, error)) (out operator.Step, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aerr.Newf(aerr.KindOperatorTerminated, "operator panicked: %v", r)
		}
	}()
	return fn()
}
