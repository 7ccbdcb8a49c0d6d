package eventbus

// Channel is a fire-and-forget multicast channel carrying values of type A.
type Channel[A any] struct {
	name string
	subs subscribers[func(A)]
}

// NewChannel registers a channel named name on b.
func NewChannel[A any](b *Bus, name string) *Channel[A] {
	b.register(name)
	return &Channel[A]{name: name}
}

func (c *Channel[A]) Name() string { return c.name }

// Len reports the number of current subscriptions.
func (c *Channel[A]) Len() int { return c.subs.len() }

// Subscribe appends fn to the subscriber list. The same callback subscribed
// twice is invoked twice per publish.
func (c *Channel[A]) Subscribe(fn func(A)) *Subscription {
	return c.subs.add(fn)
}

// Publish invokes every subscriber with a, in subscription order, on the
// caller's goroutine. With no subscribers it does nothing.
func (c *Channel[A]) Publish(a A) {
	for _, e := range c.subs.snapshot() {
		e.fn(a)
	}
}

// Request is a multicast channel whose subscribers return a result.
//
// By convention such channels have one meaningful consumer; Publish returns the
// result of the last subscriber invoked.
type Request[A, R any] struct {
	name string
	subs subscribers[func(A) R]
}

// NewRequest registers a request channel named name on b.
func NewRequest[A, R any](b *Bus, name string) *Request[A, R] {
	b.register(name)
	return &Request[A, R]{name: name}
}

func (r *Request[A, R]) Name() string { return r.name }

func (r *Request[A, R]) Len() int { return r.subs.len() }

func (r *Request[A, R]) Subscribe(fn func(A) R) *Subscription {
	return r.subs.add(fn)
}

// Publish invokes every subscriber in order and returns the last result.
// ok is false when nobody is subscribed; result is then the zero value.
func (r *Request[A, R]) Publish(a A) (result R, ok bool) {
	for _, e := range r.subs.snapshot() {
		result = e.fn(a)
		ok = true
	}
	return result, ok
}
