package autoupdate

// Event types.
const (
	EventState  = "state"
	EventItem   = "item"
	EventLog    = "log"
	EventResult = "result"
)

// Event is one observable change of the controller.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 64

// Subscribe registers an observer. The returned cancel func unsubscribes and
// closes the channel; it is safe to call more than once.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// emit fans ev out to subscribers without blocking. Caller holds c.mu.
func (c *Controller) emit(typ string, payload any) {
	ev := Event{Type: typ, Payload: payload}
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

// emitState publishes the current state. Caller holds c.mu.
func (c *Controller) emitState() {
	c.emit(EventState, map[string]any{
		"state": c.state,
		"stats": c.statsLocked(),
	})
}
