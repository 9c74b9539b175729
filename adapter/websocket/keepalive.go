package websocket

import "time"

// KeepaliveTimer fires after Interval without inbound traffic.
// It is owned by a single goroutine.
type KeepaliveTimer struct {
	interval time.Duration
	timer    Timer
}

// NewKeepaliveTimer returns an armed timer
func NewKeepaliveTimer(clock Clock, interval time.Duration) *KeepaliveTimer {
	return &KeepaliveTimer{
		interval: interval,
		timer:    clock.NewTimer(interval),
	}
}

// C delivers the expiry
func (k *KeepaliveTimer) C() <-chan time.Time { return k.timer.C() }

// Reset re-arms the timer for a full interval, discarding a pending expiry
func (k *KeepaliveTimer) Reset() {
	if !k.timer.Stop() {
		select {
		case <-k.timer.C():
		default:
		}
	}
	k.timer.Reset(k.interval)
}

// Stop disarms the timer
func (k *KeepaliveTimer) Stop() { k.timer.Stop() }

// Interval returns the configured silence interval
func (k *KeepaliveTimer) Interval() time.Duration { return k.interval }
