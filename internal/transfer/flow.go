package transfer

import (
	"context"
	"errors"
)

var errChannelGone = errors.New("channel closed")

// flowGate holds the sender back while the channel's send buffer is above
// the high-water mark, until the channel reports it drained below the
// low-water mark.
type flowGate struct {
	ch        Channel
	high, low uint64

	drained chan struct{}
	closed  <-chan struct{}
}

func newFlowGate(ch Channel, high, low uint64, closed <-chan struct{}) *flowGate {
	g := &flowGate{
		ch:      ch,
		high:    high,
		low:     low,
		drained: make(chan struct{}, 1),
		closed:  closed,
	}

	ch.SetBufferedAmountLowThreshold(low)
	ch.OnBufferedAmountLow(func() {
		select {
		case g.drained <- struct{}{}:
		default:
		}
	})

	return g
}

// wait returns once a send may proceed. A stale drain signal is tolerated:
// the buffered amount is re-read after every wakeup.
func (g *flowGate) wait(ctx context.Context) error {
	if g.ch.BufferedAmount() <= g.high {
		return nil
	}

	for g.ch.BufferedAmount() > g.low {
		select {
		case <-g.drained:
		case <-g.closed:
			return errChannelGone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
