// Package brokerclient implements the synchronous send/listen façade over
// an in-process broker.Broker, the role strandapi's
// pkg/client.Client plays over its UDP transport: Dial there maps to
// Connect here, RawSend/RawRecv map to Send/Listen, and StreamTokens'
// read-until-terminal loop is the same shape VM dispatchers use to drive
// an iterative operator's response stream.
package brokerclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/broker"
	"github.com/brekkylab/ailoy/pkg/value"
	"github.com/brekkylab/ailoy/pkg/wire"
)

// DefaultListenTimeout is used by Listen callers that don't need a custom
// deadline, matching the VM dispatch loop's re-check interval.
const DefaultListenTimeout = 200 * time.Millisecond

// Client is a named endpoint on a broker. Its name is a
// fresh UUID unless one is supplied via WithName. Concurrent Send and
// Listen from different goroutines are safe.
type Client struct {
	name    string
	broker  *broker.Broker
	limiter *rate.Limiter

	mu        sync.Mutex
	connected bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithName overrides the client's generated UUID name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithRateLimit bounds the rate of outbound Send calls, guarding a single
// client against overwhelming the broker's inbound queue.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// New returns a Client bound to b, connecting immediately.
func New(b *broker.Broker, opts ...Option) (*Client, error) {
	c := &Client{
		name:    uuid.NewString(),
		broker:  b,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the client's broker-visible identity.
func (c *Client) Name() string { return c.name }

// Connect registers the client's name with the broker.
func (c *Client) Connect() error {
	txid := uuid.NewString()
	p := &wire.Packet{Kind: wire.KindConnect, Headers: wire.WithTxID(value.Null{}, txid), Body: value.Null{}}
	ok, _, err := c.roundTrip(p, DefaultListenTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return aerr.New(aerr.KindNotConnected, "connect rejected")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect unregisters the client, purging its transactions and
// subscriptions at the broker.
func (c *Client) Disconnect() error {
	txid := uuid.NewString()
	p := &wire.Packet{Kind: wire.KindDisconnect, Headers: wire.WithTxID(value.Null{}, txid), Body: value.Null{}}
	c.send(p)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// SubscribeFunction registers this client as the responder for
// call_function target fnName.
func (c *Client) SubscribeFunction(fnName string) error {
	return c.subscribeUnsubscribe(wire.KindSubscribe, wire.InstructionCallFunction, wire.WithTarget(value.Null{}, fnName))
}

// UnsubscribeFunction removes a call_function subscription.
func (c *Client) UnsubscribeFunction(fnName string) error {
	return c.subscribeUnsubscribe(wire.KindUnsubscribe, wire.InstructionCallFunction, wire.WithTarget(value.Null{}, fnName))
}

// SubscribeComponentFactory registers this client as the responder for
// define_component/delete_component target typeName.
func (c *Client) SubscribeComponentFactory(typeName string) error {
	if err := c.subscribeUnsubscribe(wire.KindSubscribe, wire.InstructionDefineComponent, wire.WithTarget(value.Null{}, typeName)); err != nil {
		return err
	}
	return c.subscribeUnsubscribe(wire.KindSubscribe, wire.InstructionDeleteComponent, wire.WithTarget(value.Null{}, typeName))
}

// UnsubscribeComponentFactory removes define_component/delete_component
// subscriptions.
func (c *Client) UnsubscribeComponentFactory(typeName string) error {
	if err := c.subscribeUnsubscribe(wire.KindUnsubscribe, wire.InstructionDefineComponent, wire.WithTarget(value.Null{}, typeName)); err != nil {
		return err
	}
	return c.subscribeUnsubscribe(wire.KindUnsubscribe, wire.InstructionDeleteComponent, wire.WithTarget(value.Null{}, typeName))
}

// SubscribeMethod registers this client as the responder for call_method
// target (component, method).
func (c *Client) SubscribeMethod(component, method string) error {
	return c.subscribeUnsubscribe(wire.KindSubscribe, wire.InstructionCallMethod, wire.WithComponentMethod(value.Null{}, component, method))
}

// UnsubscribeMethod removes a call_method subscription.
func (c *Client) UnsubscribeMethod(component, method string) error {
	return c.subscribeUnsubscribe(wire.KindUnsubscribe, wire.InstructionCallMethod, wire.WithComponentMethod(value.Null{}, component, method))
}

func (c *Client) subscribeUnsubscribe(kind wire.Kind, instr wire.Instruction, headers value.Value) error {
	txid := uuid.NewString()
	p := &wire.Packet{
		Kind:           kind,
		HasInstruction: true,
		Instruction:    instr,
		Headers:        wire.WithTxID(headers, txid),
		Body:           value.Null{},
	}
	ok, reason, err := c.roundTrip(p, DefaultListenTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return aerr.New(aerr.Kind(reason), reason)
	}
	return nil
}

// Execute sends an execute packet for the given instruction/headers/input
// and returns the transaction id the caller should Listen against.
func (c *Client) Execute(instr wire.Instruction, headers value.Value, input value.Value) (txid string, err error) {
	txid = uuid.NewString()
	p := &wire.Packet{
		Kind:           wire.KindExecute,
		HasInstruction: true,
		Instruction:    instr,
		Headers:        wire.WithTxID(headers, txid),
		Body:           input,
	}
	ok, reason, err := c.roundTrip(p, DefaultListenTimeout)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", aerr.New(aerr.Kind(reason), reason)
	}
	return txid, nil
}

// RespondExecute sends one respond_execute packet for txid: seq is the
// monotonic sequence number, done marks the transaction terminal, out is
// the body value. Callers driving an error terminal case should use
// RespondExecuteError instead.
func (c *Client) RespondExecute(txid string, seq uint32, done bool, out value.Value) error {
	body := wrapDone(out, done)
	p := &wire.Packet{
		Kind:        wire.KindRespondExecute,
		HasStatus:   true,
		Status:      true,
		HasSequence: true,
		Sequence:    seq,
		Headers:     wire.WithTxID(value.Null{}, txid),
		Body:        body,
	}
	return c.send(p)
}

// RespondExecuteError sends a terminal respond_execute with status=false
// and the given reason string.
func (c *Client) RespondExecuteError(txid string, seq uint32, reason string) error {
	body := value.NewMap()
	body.Set("done", value.Bool(true))
	body.Set("reason", value.String(reason))
	p := &wire.Packet{
		Kind:        wire.KindRespondExecute,
		HasStatus:   true,
		Status:      false,
		HasSequence: true,
		Sequence:    seq,
		Headers:     wire.WithTxID(value.Null{}, txid),
		Body:        body,
	}
	return c.send(p)
}

// wrapDone merges the protocol's own done flag into out when out is a map,
// so callers can read an operator's result fields straight off the
// respond_execute body. If out already carries a "done" key of its own,
// merging would silently overwrite the operator's value, so that case
// falls back to the same value/done envelope used for non-map results.
func wrapDone(out value.Value, done bool) value.Value {
	if mv, ok := out.(*value.Map); ok {
		if _, collides := mv.Get("done"); !collides {
			mv = mv.Clone().(*value.Map)
			mv.Set("done", value.Bool(done))
			return mv
		}
	}
	wrapper := value.NewMap()
	wrapper.Set("value", out)
	wrapper.Set("done", value.Bool(done))
	return wrapper
}

// Listen blocks until a packet addressed to this client arrives or
// timeout passes, returning nil on timeout.
func (c *Client) Listen(timeout time.Duration) (*wire.Packet, error) {
	mon := c.broker.Mailbox(c.name)
	if mon == nil {
		return nil, aerr.New(aerr.KindNotConnected, c.name)
	}
	sig, ok := mon.Wait(time.Now().Add(timeout))
	if !ok {
		return nil, nil
	}
	p, _, err := wire.Decode([]byte(sig.Payload))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListenContext is Listen with cancellation governed by ctx instead of a
// fixed timeout: ctx's deadline, if any, bounds the wait the same way
// Listen's timeout does, and the wait also returns early on ctx's
// cancellation.
func (c *Client) ListenContext(ctx context.Context) (*wire.Packet, error) {
	mon := c.broker.Mailbox(c.name)
	if mon == nil {
		return nil, aerr.New(aerr.KindNotConnected, c.name)
	}
	sig, ok := mon.WaitContext(ctx)
	if !ok {
		return nil, nil
	}
	p, _, err := wire.Decode([]byte(sig.Payload))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) send(p *wire.Packet) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}
	c.broker.Submit(c.name, p)
	return nil
}

// roundTrip sends p and waits for exactly one respond/respond_execute
// reply, returning its status, reason (if any), and delivery error.
func (c *Client) roundTrip(p *wire.Packet, timeout time.Duration) (status bool, reason string, err error) {
	if err := c.send(p); err != nil {
		return false, "", err
	}
	reply, err := c.Listen(timeout)
	if err != nil {
		return false, "", err
	}
	if reply == nil {
		return false, "", aerr.New(aerr.KindNotConnected, "no reply before timeout")
	}
	if mv, ok := reply.Body.(*value.Map); ok {
		if rv, ok := mv.Get("reason"); ok {
			if rs, ok := rv.(value.String); ok {
				reason = string(rs)
			}
		}
	}
	return reply.Status, reason, nil
}
