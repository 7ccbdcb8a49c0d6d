package eventbus

import (
	"reflect"
	"testing"
)

func TestChannel_PublishInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	ch := NewChannel[int](b, "test::order")

	var got []string
	ch.Subscribe(func(v int) { got = append(got, "a") })
	ch.Subscribe(func(v int) { got = append(got, "b") })
	ch.Subscribe(func(v int) { got = append(got, "c") })

	ch.Publish(1)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order=%v want %v", got, want)
	}
}

func TestChannel_NoSubscribersIsNoop(t *testing.T) {
	b := NewBus()
	ch := NewChannel[string](b, "test::empty")
	ch.Publish("nobody listens")
	if ch.Len() != 0 {
		t.Fatalf("len=%d want 0", ch.Len())
	}
}

func TestChannel_DuplicateSubscriptionInvokedTwice(t *testing.T) {
	b := NewBus()
	ch := NewChannel[Void](b, "test::dup")

	calls := 0
	fn := func(Void) { calls++ }
	ch.Subscribe(fn)
	ch.Subscribe(fn)

	ch.Publish(Void{})
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestChannel_PassesPayload(t *testing.T) {
	b := NewBus()
	ch := NewChannel[[]byte](b, "test::bytes")

	var got [][]byte
	ch.Subscribe(func(p []byte) { got = append(got, p) })
	ch.Publish([]byte("$GPGGA,1*00"))

	if len(got) != 1 || string(got[0]) != "$GPGGA,1*00" {
		t.Fatalf("got=%q", got)
	}
}

func TestSubscription_Unsubscribe(t *testing.T) {
	b := NewBus()
	ch := NewChannel[int](b, "test::unsub")

	var got []int
	s1 := ch.Subscribe(func(v int) { got = append(got, 1) })
	ch.Subscribe(func(v int) { got = append(got, 2) })

	s1.Unsubscribe()
	s1.Unsubscribe()
	ch.Publish(0)

	if !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("got=%v want [2]", got)
	}
	if ch.Len() != 1 {
		t.Fatalf("len=%d want 1", ch.Len())
	}

	var nilSub *Subscription
	nilSub.Unsubscribe()
}

func TestChannel_ReentrantPublishAndSubscribe(t *testing.T) {
	b := NewBus()
	start := NewChannel[Void](b, "test::start")
	inner := NewChannel[int](b, "test::inner")

	var got []int
	inner.Subscribe(func(v int) { got = append(got, v) })
	start.Subscribe(func(Void) {
		inner.Publish(7)
		// Subscribing during a publish takes effect on the next publish.
		start.Subscribe(func(Void) { got = append(got, 99) })
	})

	start.Publish(Void{})
	if !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("first publish got=%v want [7]", got)
	}
	start.Publish(Void{})
	if !reflect.DeepEqual(got, []int{7, 7, 99}) {
		t.Fatalf("second publish got=%v want [7 7 99]", got)
	}
}

func TestChannel_UnsubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	ch := NewChannel[Void](b, "test::self-remove")

	calls := []string{}
	var sub *Subscription
	sub = ch.Subscribe(func(Void) {
		calls = append(calls, "first")
		sub.Unsubscribe()
	})
	ch.Subscribe(func(Void) { calls = append(calls, "second") })

	ch.Publish(Void{})
	ch.Publish(Void{})
	want := []string{"first", "second", "second"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v want %v", calls, want)
	}
}

func TestRequest_ReturnsLastResult(t *testing.T) {
	b := NewBus()
	req := NewRequest[Void, int](b, "test::request")

	if v, ok := req.Publish(Void{}); ok || v != 0 {
		t.Fatalf("empty publish=(%d,%v) want (0,false)", v, ok)
	}

	req.Subscribe(func(Void) int { return 1 })
	req.Subscribe(func(Void) int { return -1 })
	v, ok := req.Publish(Void{})
	if !ok || v != -1 {
		t.Fatalf("publish=(%d,%v) want (-1,true)", v, ok)
	}
}

func TestBus_NamesAndDuplicatePanics(t *testing.T) {
	b := NewBus()
	NewChannel[int](b, "gps::b")
	NewRequest[Void, int](b, "gps::a")

	if got := b.Names(); !reflect.DeepEqual(got, []string{"gps::a", "gps::b"}) {
		t.Fatalf("names=%v", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate name")
		}
	}()
	NewChannel[string](b, "gps::a")
}

func TestBus_SeparateBusesAreIsolated(t *testing.T) {
	b1 := NewBus()
	b2 := NewBus()
	c1 := NewChannel[int](b1, "gps::start")
	c2 := NewChannel[int](b2, "gps::start")

	hits := 0
	c1.Subscribe(func(int) { hits++ })
	c2.Publish(1)
	if hits != 0 {
		t.Fatalf("hits=%d want 0", hits)
	}
}
