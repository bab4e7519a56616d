package connection

import "time"

// Policy names the reconnect knobs for one supervised connection. The
// constants historically lived scattered across services; they are explicit
// configuration here.
type Policy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Factor        float64
	StruggleAfter int // consecutive failures before a warning event
	MaxAttempts   int // consecutive failures before giving up
}

// DefaultPolicy mirrors the platform defaults: 1s initial, doubling, 60s cap.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		Factor:        2.0,
		StruggleAfter: 5,
		MaxAttempts:   30,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	if p.StruggleAfter <= 0 {
		p.StruggleAfter = 5
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 30
	}
	return p
}

// backoff produces the non-decreasing delay sequence for one connection.
type backoff struct {
	policy Policy
	next   time.Duration
}

func newBackoff(p Policy) *backoff {
	p = p.normalized()
	return &backoff{policy: p, next: p.InitialDelay}
}

// Next returns the current delay and advances the sequence toward the cap.
func (b *backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.policy.Factor)
	if grown > b.policy.MaxDelay {
		grown = b.policy.MaxDelay
	}
	b.next = grown
	return d
}

// Reset restores the initial delay after a successful connection.
func (b *backoff) Reset() {
	b.next = b.policy.InitialDelay
}
