// Package broker implements the in-process packet router.
// Its dispatch loop is modelled on strandapi/pkg/server.Server.ListenAndServe
// -- a blocking receive feeding a kind-switch -- but the "socket" is an
// in-process monitor.Monitor mailbox per client instead of a UDP
// connection, and routing is driven by a subscription table instead of a
// single fixed handler.
package broker

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/monitor"
	"github.com/brekkylab/ailoy/pkg/value"
	"github.com/brekkylab/ailoy/pkg/wire"
)

const defaultListenTimeout = 200 * time.Millisecond

type subKey struct {
	instruction wire.Instruction
	target      string
}

type txRecord struct {
	initiator string
	responder string
	createdAt time.Time
}

type metrics struct {
	packetsTotal  *prometheus.CounterVec
	transactions  prometheus.Gauge
	clients       prometheus.Gauge
	routingErrors *prometheus.CounterVec
}

// newMetrics registers its collectors on a registry private to this
// Broker instead of prometheus.DefaultRegisterer, so constructing a
// second Broker in the same process (a second runtime, or a second test)
// never collides with the first one's metric names.
func newMetrics(namespace string) *metrics {
	reg := promauto.With(prometheus.NewRegistry())
	return &metrics{
		packetsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_packets_total",
			Help:      "Packets processed by the broker dispatch loop, by kind.",
		}, []string{"kind"}),
		transactions: reg.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_transactions_open",
			Help:      "Open transaction records.",
		}),
		clients: reg.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_clients_connected",
			Help:      "Connected broker clients.",
		}),
		routingErrors: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_routing_errors_total",
			Help:      "Routing failures, by reason.",
		}, []string{"reason"}),
	}
}

// Broker is the single in-process router for one endpoint URL. Create with New, start its dispatch loop with Run, and stop it
// with Stop.
type Broker struct {
	url string

	inbound *monitor.Monitor

	mu      sync.Mutex
	clients map[string]*monitor.Monitor
	subs    map[subKey]string
	txs     map[string]*txRecord

	done chan struct{}
	wg   sync.WaitGroup

	metrics *metrics
}

// New returns a Broker for endpoint url. The dispatch loop is not started
// until Run is called.
func New(url string) *Broker {
	return &Broker{
		url:     url,
		inbound: monitor.New(),
		clients: make(map[string]*monitor.Monitor),
		subs:    make(map[subKey]string),
		txs:     make(map[string]*txRecord),
		done:    make(chan struct{}),
		metrics: newMetrics("ailoy"),
	}
}

// URL returns the endpoint name the broker was constructed with.
func (b *Broker) URL() string { return b.url }

// Run starts the broker's dedicated dispatch thread and blocks until Stop
// is called. Callers
// typically invoke it with `go b.Run()`.
func (b *Broker) Run() {
	b.wg.Add(1)
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		default:
		}
		sig, ok := b.inbound.Wait(time.Now().Add(defaultListenTimeout))
		if !ok {
			continue
		}
		p, _, err := wire.Decode([]byte(sig.Payload))
		if err != nil {
			b.metrics.routingErrors.WithLabelValues("InvalidPacket").Inc()
			b.replyRespond(sig.Sender, "", false, string(aerr.KindInvalidPacket))
			continue
		}
		b.metrics.packetsTotal.WithLabelValues(kindName(p.Kind)).Inc()
		b.dispatch(sig.Sender, p)
	}
}

// Stop signals the dispatch loop to exit and waits for it to do so.
func (b *Broker) Stop() {
	close(b.done)
	b.wg.Wait()
}

// Submit enqueues a packet from sender onto the broker's inbound queue, as
// if sender had written it to the wire. This is the function BrokerClient
// calls on Send. A connect packet also creates sender's mailbox at once,
// so a Listen issued right after the connect waits for the reply instead
// of finding no mailbox before the dispatch loop has handled it.
func (b *Broker) Submit(sender string, p *wire.Packet) {
	if p.Kind == wire.KindConnect {
		b.mu.Lock()
		if _, exists := b.clients[sender]; !exists {
			b.clients[sender] = monitor.New()
			b.metrics.clients.Inc()
		}
		b.mu.Unlock()
	}
	b.inbound.Notifier(sender).Notify(string(wire.Encode(p)))
}

// TransactionAlive reports whether txid still has an open transaction
// record. The VM dispatcher polls this at each iterative step boundary to
// detect an initiator disconnect.
func (b *Broker) TransactionAlive(txid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.txs[txid]
	return ok
}

// Mailbox returns the monitor a connected client's packets are delivered
// through, or nil if the client is not connected. BrokerClient.Listen
// reads from this.
func (b *Broker) Mailbox(clientName string) *monitor.Monitor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[clientName]
}

func (b *Broker) deliver(clientName string, p *wire.Packet) {
	b.mu.Lock()
	mon := b.clients[clientName]
	b.mu.Unlock()
	if mon == nil {
		return
	}
	mon.Notifier(b.url).Notify(string(wire.Encode(p)))
}

func (b *Broker) dispatch(sender string, p *wire.Packet) {
	switch p.Kind {
	case wire.KindConnect:
		b.handleConnect(sender, p)
	case wire.KindDisconnect:
		b.handleDisconnect(sender, p)
	case wire.KindSubscribe:
		b.handleSubscribe(sender, p)
	case wire.KindUnsubscribe:
		b.handleUnsubscribe(sender, p)
	case wire.KindExecute:
		b.handleExecute(sender, p)
	case wire.KindRespondExecute:
		b.handleRespondExecute(sender, p)
	default:
		b.metrics.routingErrors.WithLabelValues("InvalidPacket").Inc()
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindInvalidPacket))
	}
}

func (b *Broker) handleConnect(sender string, p *wire.Packet) {
	b.mu.Lock()
	if _, exists := b.clients[sender]; !exists {
		b.clients[sender] = monitor.New()
		b.metrics.clients.Inc()
	}
	b.mu.Unlock()
	b.replyRespond(sender, txIDOf(p), true, "")
}

func (b *Broker) handleDisconnect(sender string, p *wire.Packet) {
	b.mu.Lock()
	mon, existed := b.clients[sender]
	delete(b.clients, sender)
	if existed {
		b.metrics.clients.Dec()
	}

	var orphaned []struct {
		txid string
		rec  *txRecord
	}
	for txid, rec := range b.txs {
		if rec.initiator == sender || rec.responder == sender {
			orphaned = append(orphaned, struct {
				txid string
				rec  *txRecord
			}{txid, rec})
			delete(b.txs, txid)
			b.metrics.transactions.Dec()
		}
	}
	for k, responder := range b.subs {
		if responder == sender {
			delete(b.subs, k)
		}
	}
	b.mu.Unlock()

	if mon != nil {
		mon.Close()
	}
	for _, o := range orphaned {
		if o.rec.responder == sender && o.rec.initiator != sender {
			b.replyRespondExecute(o.rec.initiator, o.txid, 0, false, true, string(aerr.KindClientGone))
		}
	}
}

func (b *Broker) handleSubscribe(sender string, p *wire.Packet) {
	if !p.HasInstruction {
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindInvalidPacket))
		return
	}
	target, ok := wire.SubscriptionTarget(p)
	if !ok {
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindInvalidPacket))
		return
	}
	key := subKey{instruction: p.Instruction, target: target}

	b.mu.Lock()
	_, exists := b.subs[key]
	if !exists {
		b.subs[key] = sender
	}
	b.mu.Unlock()

	if exists {
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindAlreadySubscribed))
		return
	}
	b.replyRespond(sender, txIDOf(p), true, "")
}

func (b *Broker) handleUnsubscribe(sender string, p *wire.Packet) {
	if !p.HasInstruction {
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindInvalidPacket))
		return
	}
	target, ok := wire.SubscriptionTarget(p)
	if !ok {
		b.replyRespond(sender, txIDOf(p), false, string(aerr.KindInvalidPacket))
		return
	}
	key := subKey{instruction: p.Instruction, target: target}

	b.mu.Lock()
	if b.subs[key] == sender {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.replyRespond(sender, txIDOf(p), true, "")
}

func (b *Broker) handleExecute(sender string, p *wire.Packet) {
	txid := txIDOf(p)
	if txid == "" || !p.HasInstruction {
		b.replyRespond(sender, txid, false, string(aerr.KindInvalidPacket))
		return
	}
	target, ok := wire.SubscriptionTarget(p)
	if !ok {
		b.replyRespond(sender, txid, false, string(aerr.KindInvalidPacket))
		return
	}
	key := subKey{instruction: p.Instruction, target: target}

	b.mu.Lock()
	responder, found := b.subs[key]
	if found {
		b.txs[txid] = &txRecord{initiator: sender, responder: responder, createdAt: time.Now()}
		b.metrics.transactions.Inc()
	}
	b.mu.Unlock()

	if !found {
		b.metrics.routingErrors.WithLabelValues("NoSubscriber").Inc()
		b.replyRespond(sender, txid, false, string(aerr.KindNoSubscriber))
		return
	}

	b.deliver(responder, p)
	b.replyRespond(sender, txid, true, "")
}

func (b *Broker) handleRespondExecute(sender string, p *wire.Packet) {
	txid := txIDOf(p)
	done, _ := bodyDone(p)
	terminal := done || (p.HasStatus && !p.Status)

	b.mu.Lock()
	rec, found := b.txs[txid]
	if found && rec.responder != sender {
		found = false
	}
	if found && terminal {
		delete(b.txs, txid)
		b.metrics.transactions.Dec()
	}
	b.mu.Unlock()

	if !found {
		log.Printf("ailoycore: broker: respond_execute for unknown txid %q from %q", txid, sender)
		b.replyRespond(sender, txid, false, string(aerr.KindUnknownTransaction))
		return
	}
	b.deliver(rec.initiator, p)
}

func bodyDone(p *wire.Packet) (bool, bool) {
	mv, ok := p.Body.(*value.Map)
	if !ok {
		return false, false
	}
	v, ok := mv.Get("done")
	if !ok {
		return false, false
	}
	bv, ok := v.(value.Bool)
	return bool(bv), ok
}

func (b *Broker) replyRespond(to, txid string, status bool, reason string) {
	body := value.NewMap()
	if reason != "" {
		body.Set("reason", value.String(reason))
	}
	p := &wire.Packet{
		Kind:      wire.KindRespond,
		HasStatus: true,
		Status:    status,
		Headers:   wire.WithTxID(value.Null{}, txid),
		Body:      body,
	}
	b.deliver(to, p)
}

func (b *Broker) replyRespondExecute(to, txid string, seq uint32, status, done bool, reason string) {
	body := value.NewMap()
	body.Set("done", value.Bool(done))
	if reason != "" {
		body.Set("reason", value.String(reason))
	}
	p := &wire.Packet{
		Kind:        wire.KindRespondExecute,
		HasStatus:   true,
		Status:      status,
		HasSequence: true,
		Sequence:    seq,
		Headers:     wire.WithTxID(value.Null{}, txid),
		Body:        body,
	}
	b.deliver(to, p)
}

func txIDOf(p *wire.Packet) string {
	id, _ := p.TxID()
	return id
}

func kindName(k wire.Kind) string {
	switch k {
	case wire.KindConnect:
		return "connect"
	case wire.KindDisconnect:
		return "disconnect"
	case wire.KindSubscribe:
		return "subscribe"
	case wire.KindUnsubscribe:
		return "unsubscribe"
	case wire.KindExecute:
		return "execute"
	case wire.KindRespond:
		return "respond"
	case wire.KindRespondExecute:
		return "respond_execute"
	default:
		return "unknown"
	}
}
