package execution

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/core"
)

// orderNotifier fans venue order updates out to per-order waiters. One
// notifier per venue, fed by the adapter's order stream.
type orderNotifier struct {
	mu       sync.Mutex
	watchers map[string][]chan core.Order
}

func newOrderNotifier() *orderNotifier {
	return &orderNotifier{watchers: make(map[string][]chan core.Order)}
}

// OnOrder is registered as the venue's order stream callback.
func (n *orderNotifier) OnOrder(o core.Order) {
	n.mu.Lock()
	chans := append([]chan core.Order{}, n.watchers[o.OrderID]...)
	n.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- o:
		default:
			// Waiter is behind; it will poll and catch up.
		}
	}
}

func (n *orderNotifier) watch(orderID string) chan core.Order {
	ch := make(chan core.Order, 8)
	n.mu.Lock()
	n.watchers[orderID] = append(n.watchers[orderID], ch)
	n.mu.Unlock()
	return ch
}

func (n *orderNotifier) unwatch(orderID string, ch chan core.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ws := n.watchers[orderID]
	for i, w := range ws {
		if w == ch {
			n.watchers[orderID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(n.watchers[orderID]) == 0 {
		delete(n.watchers, orderID)
	}
}

// waitOpts controls a fill wait.
type waitOpts struct {
	timeout      time.Duration
	pollInterval time.Duration
	// check runs on every tick; a non-nil error aborts the wait and is
	// returned to the caller (used for hedge integrity).
	check func(ctx context.Context) error
}

// waitForFill blocks until the order reaches a terminal status, the
// timeout elapses, or check fails. It races WS notification (when the
// adapter is ws-ready) against bounded polling; the last observed order
// is always returned, even on timeout, so callers can act on partials.
func waitForFill(ctx context.Context, port core.ExchangePort, notifier *orderNotifier,
	symbol, orderID string, opts waitOpts) (core.Order, error) {

	if opts.pollInterval <= 0 {
		opts.pollInterval = 500 * time.Millisecond
	}

	var wsCh chan core.Order
	if port.WSReady() && notifier != nil {
		wsCh = notifier.watch(orderID)
		defer notifier.unwatch(orderID, wsCh)
	}

	deadline := time.NewTimer(opts.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(opts.pollInterval)
	defer poll.Stop()

	last, err := port.GetOrder(ctx, symbol, orderID)
	if err == nil && last.Status.IsTerminal() {
		return last, nil
	}

	for {
		if opts.check != nil {
			if cerr := opts.check(ctx); cerr != nil {
				return last, cerr
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, errFillTimeout
		case o := <-wsChOrNil(wsCh):
			last = o
			if o.Status.IsTerminal() {
				return o, nil
			}
		case <-poll.C:
			o, perr := port.GetOrder(ctx, symbol, orderID)
			if perr != nil {
				continue
			}
			last = o
			if o.Status.IsTerminal() {
				return o, nil
			}
		}
	}
}

// wsChOrNil lets the select skip the WS arm when polling only.
func wsChOrNil(ch chan core.Order) <-chan core.Order {
	if ch == nil {
		return nil
	}
	return ch
}
