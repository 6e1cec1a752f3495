package infra

import (
	"context"
	"time"
)

// Initiator releases elements to the submitters at the configured rate. A
// token bucket of size burst lets short bursts above the rate through
type Initiator struct {
	elements []*Element
	rate     int
	tokenCh  chan struct{}
}

func NewInitiator(elements []*Element, rate, burst int) *Initiator {
	return &Initiator{
		elements: elements,
		rate:     rate,
		tokenCh:  make(chan struct{}, burst),
	}
}

func (it *Initiator) generateTokens(ctx context.Context) {
	if it.rate == 0 {
		for {
			select {
			case it.tokenCh <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}

	ticker := time.NewTicker(time.Duration(1e9/it.rate) * time.Nanosecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case it.tokenCh <- struct{}{}:
			default: // bucket is full
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartSync sends every element to outCh, one per token, then closes outCh
func (it *Initiator) StartSync(ctx context.Context, outCh chan<- *Element) {
	defer close(outCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go it.generateTokens(ctx)

	for _, e := range it.elements {
		select {
		case <-it.tokenCh:
		case <-ctx.Done():
			return
		}

		select {
		case outCh <- e:
		case <-ctx.Done():
			return
		}
	}
}
