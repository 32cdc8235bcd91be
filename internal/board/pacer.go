package board

import (
	"context"
	"sync"
	"time"
)

// hostClock calls fire every period until the returned stop is called.
type hostClock func(period time.Duration, fire func()) (stop func())

func tickerClock(period time.Duration, fire func()) func() {
	t := time.NewTicker(period)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fire()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}
}

// pacer holds the core to one tick period per host period. Permits do not
// accumulate past one, so a slow core falls behind instead of bursting.
type pacer struct {
	period  time.Duration
	clock   hostClock
	permits chan struct{}
}

func newPacer(period time.Duration, clock hostClock) *pacer {
	if clock == nil {
		clock = tickerClock
	}
	return &pacer{period: period, clock: clock, permits: make(chan struct{}, 1)}
}

func (p *pacer) release() {
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

// run feeds permits until ctx ends.
func (p *pacer) run(ctx context.Context) error {
	if p.period <= 0 {
		return nil
	}
	stop := p.clock(p.period, p.release)
	defer stop()
	<-ctx.Done()
	return nil
}

// wait takes one permit. Without a period nothing is paced.
func (p *pacer) wait(ctx context.Context) error {
	if p.period <= 0 {
		return ctx.Err()
	}
	select {
	case <-p.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
