package forumsync

import (
	"context"
	"log"
	"sync"
	"time"
)

// Driver runs outbound passes and link-store flushes on their own cadences.
type Driver struct {
	Service *Service

	// Interval is the minimum time from the start of one pass to the start of the next.
	// A pass that takes longer is followed immediately by the next.
	Interval time.Duration

	// FlushInterval is the time between link-store flushes.
	FlushInterval time.Duration

	// Now is the clock. Nil means time.Now.
	Now func() time.Time

	once    sync.Once
	trigger chan struct{}
}

const (
	DefaultInterval      = 6 * time.Second
	DefaultFlushInterval = 15 * time.Second
)

// NewDriver produces a Driver with default intervals.
func NewDriver(s *Service) *Driver {
	return &Driver{
		Service:       s,
		Interval:      DefaultInterval,
		FlushInterval: DefaultFlushInterval,
	}
}

// Trigger requests a pass as soon as the current one (if any) finishes.
func (d *Driver) Trigger() {
	select {
	case d.triggerCh() <- struct{}{}:
	default:
	}
}

func (d *Driver) triggerCh() chan struct{} {
	d.once.Do(func() { d.trigger = make(chan struct{}, 1) })
	return d.trigger
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run performs a pass right away, then keeps performing them until the context is canceled.
// A final flush happens before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	trigger := d.triggerCh()

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		d.flushLoop(ctx)
	}()
	defer func() {
		<-flushDone
		if err := d.Service.Links.Flush(context.Background()); err != nil {
			log.Printf("driver: final flush: %s", err)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		began := d.now()
		if err := d.Service.SyncAll(ctx, began); err != nil {
			debugf("Pass incomplete: %s", err)
		}
		elapsed := d.now().Sub(began)

		wait := interval - elapsed
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (d *Driver) flushLoop(ctx context.Context) {
	interval := d.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Service.Links.Flush(ctx); err != nil {
				log.Printf("driver: flush: %s", err)
			}
		}
	}
}
