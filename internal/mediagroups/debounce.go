package mediagroups

import (
	"sync"
	"time"
)

// debouncer is a cancellable scheduled task: fire runs once delay has passed
// since the latest Reset, unless Cancel or another Reset came first.
//
// Reset and Cancel must be called with lock held. fire is called with lock
// held and may return a function to run after the lock is released.
type debouncer struct {
	lock  sync.Locker
	delay time.Duration
	fire  func() (after func())

	timer *time.Timer
	seq   uint64
}

func newDebouncer(lock sync.Locker, delay time.Duration, fire func() func()) *debouncer {
	return &debouncer{lock: lock, delay: delay, fire: fire}
}

// Reset (re)starts the countdown. A callback from an earlier Reset that is
// already running will observe the new sequence number and do nothing.
func (d *debouncer) Reset() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() { d.expire(seq) })
}

// Cancel stops the countdown; no pending callback will fire.
func (d *debouncer) Cancel() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
}

func (d *debouncer) expire(seq uint64) {
	d.lock.Lock()
	if seq != d.seq {
		d.lock.Unlock()
		return
	}
	d.timer = nil
	d.seq++
	after := d.fire()
	d.lock.Unlock()

	if after != nil {
		after()
	}
}
