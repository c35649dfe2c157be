package brokerclient

import (
	"context"
	"testing"
	"time"

	"github.com/brekkylab/ailoy/pkg/broker"
	"github.com/brekkylab/ailoy/pkg/value"
	"github.com/brekkylab/ailoy/pkg/wire"
)

func startTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New("test://brokerclient")
	go b.Run()
	t.Cleanup(b.Stop)
	return b
}

func TestConnectAssignsUUIDName(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Name() == "" {
		t.Fatal("Name() is empty")
	}
}

func TestWithNameOverridesUUID(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b, WithName("fixed-name"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Name() != "fixed-name" {
		t.Fatalf("Name() = %q, want fixed-name", c.Name())
	}
}

func TestSubscribeAndExecuteFunctionRoundTrip(t *testing.T) {
	b := startTestBroker(t)
	initiator, err := New(b, WithName("initiator"))
	if err != nil {
		t.Fatalf("New initiator: %v", err)
	}
	vm, err := New(b, WithName("vm"))
	if err != nil {
		t.Fatalf("New vm: %v", err)
	}
	if err := vm.SubscribeFunction("echo"); err != nil {
		t.Fatalf("SubscribeFunction: %v", err)
	}

	input := value.NewMap()
	input.Set("x", value.Int(1))
	txid, err := initiator.Execute(wire.InstructionCallFunction, wire.WithTarget(value.Null{}, "echo"), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	routed, err := vm.Listen(time.Second)
	if err != nil {
		t.Fatalf("vm.Listen: %v", err)
	}
	if routed == nil || routed.Kind != wire.KindExecute {
		t.Fatalf("routed = %+v, want execute", routed)
	}
	gotTxid, _ := routed.TxID()
	if gotTxid != txid {
		t.Fatalf("gotTxid = %q, want %q", gotTxid, txid)
	}

	if err := vm.RespondExecute(txid, 0, true, input); err != nil {
		t.Fatalf("RespondExecute: %v", err)
	}

	reply, err := initiator.Listen(time.Second)
	if err != nil {
		t.Fatalf("initiator.Listen: %v", err)
	}
	if reply == nil || reply.Kind != wire.KindRespondExecute || !reply.Status {
		t.Fatalf("reply = %+v, want respond_execute(status=true)", reply)
	}
}

func TestWrapDoneMergesIntoResultMap(t *testing.T) {
	out := value.NewMap()
	out.Set("total", value.Int(5))
	wrapped := wrapDone(out, true)
	mv, ok := wrapped.(*value.Map)
	if !ok {
		t.Fatalf("wrapDone result = %#v, want *value.Map", wrapped)
	}
	totalV, ok := mv.Get("total")
	if !ok || !totalV.Equal(value.Int(5)) {
		t.Fatalf("total = %v, want 5", totalV)
	}
	doneV, ok := mv.Get("done")
	if !ok || !bool(doneV.(value.Bool)) {
		t.Fatal("done missing or false, want true")
	}
}

func TestWrapDoneFallsBackToEnvelopeOnDoneKeyCollision(t *testing.T) {
	out := value.NewMap()
	out.Set("done", value.String("not-a-protocol-flag"))
	wrapped := wrapDone(out, true)
	mv, ok := wrapped.(*value.Map)
	if !ok {
		t.Fatalf("wrapDone result = %#v, want *value.Map", wrapped)
	}
	inner, ok := mv.Get("value")
	if !ok {
		t.Fatal("value key missing, want the original map preserved under it")
	}
	innerMv, ok := inner.(*value.Map)
	if !ok {
		t.Fatalf("value = %#v, want *value.Map", inner)
	}
	innerDoneV, ok := innerMv.Get("done")
	if !ok || innerDoneV.(value.String) != "not-a-protocol-flag" {
		t.Fatalf("inner done = %v, want the operator's own value preserved", innerDoneV)
	}
	doneV, ok := mv.Get("done")
	if !ok || !bool(doneV.(value.Bool)) {
		t.Fatal("outer done missing or false, want true")
	}
}

func TestListenTimesOutWithNilPacket(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := c.Listen(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if p != nil {
		t.Fatalf("Listen returned %+v, want nil on timeout", p)
	}
}

func TestListenContextTimesOutWithNilPacket(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p, err := c.ListenContext(ctx)
	if err != nil {
		t.Fatalf("ListenContext: %v", err)
	}
	if p != nil {
		t.Fatalf("ListenContext returned %+v, want nil on timeout", p)
	}
}

func TestListenContextReturnsEarlyOnCancel(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	p, err := c.ListenContext(ctx)
	if err != nil {
		t.Fatalf("ListenContext: %v", err)
	}
	if p != nil {
		t.Fatalf("ListenContext returned %+v, want nil on cancel", p)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ListenContext took %s, want early return on cancel", elapsed)
	}
}

func TestExecuteWithNoSubscriberReturnsError(t *testing.T) {
	b := startTestBroker(t)
	c, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Execute(wire.InstructionCallFunction, wire.WithTarget(value.Null{}, "nope"), value.Null{})
	if err == nil {
		t.Fatal("Execute succeeded, want NoSubscriber error")
	}
}
