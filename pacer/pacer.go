// Package pacer implements exponential backoff with +/-50% random jitter
// for retrying transient failures, plus a token bucket that limits the
// number of requests in flight at once.
//
// The shape (a Default calculator with min/max sleep and attack/decay
// constants, driven by a 1-token pacing channel) is a direct port of
// rclone's lib/pacer.
package pacer

import (
	"math/rand"
	"sync"
	"time"
)

// State carries the pacer's current sleep time and consecutive-retry
// count between calculations.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator computes the next sleep time given the current state.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is the standard attack/decay calculator: each retry multiplies
// the sleep time towards maxSleep (attack); each success relaxes it back
// towards minSleep (decay). The result is not jittered here.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// NewDefault builds a Default calculator with the given options.
func NewDefault(opts ...Option) *Default {
	d := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Option configures a Pacer or its Default calculator.
type Option func(*Default)

// MinSleep sets the minimum sleep time between retries.
func MinSleep(d time.Duration) Option { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the maximum sleep time between retries.
func MaxSleep(d time.Duration) Option { return func(c *Default) { c.maxSleep = d } }

// DecayConstant sets how fast the sleep time relaxes after a success.
func DecayConstant(n uint) Option { return func(c *Default) { c.decayConstant = n } }

// AttackConstant sets how fast the sleep time grows after a failure.
func AttackConstant(n uint) Option { return func(c *Default) { c.attackConstant = n } }

// Calculate returns the next sleep duration for state, clamped to
// [minSleep, maxSleep]. It adds no jitter; Pacer applies that when it
// schedules the next call.
func (d *Default) Calculate(state State) time.Duration {
	sleepTime := state.SleepTime
	if state.ConsecutiveRetries == 0 {
		if d.decayConstant > 0 {
			sleepTime = (sleepTime<<d.decayConstant - sleepTime) >> d.decayConstant
		} else {
			sleepTime = d.minSleep
		}
	} else {
		if d.attackConstant > 0 {
			sleepTime = (sleepTime << d.attackConstant) / ((1 << d.attackConstant) - 1)
		} else {
			sleepTime = d.maxSleep
		}
	}
	if sleepTime < d.minSleep {
		sleepTime = d.minSleep
	}
	if sleepTime > d.maxSleep {
		sleepTime = d.maxSleep
	}
	return sleepTime
}

// Pacer serializes outgoing requests against a backoff calculator and
// caps the number of simultaneously in-flight requests.
type Pacer struct {
	mu             sync.Mutex
	pacer          chan struct{}
	connTokens     chan struct{}
	calculator     Calculator
	retries        int
	maxConnections int
	state          State
}

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// RetriesOption sets the maximum number of retry attempts.
func RetriesOption(n int) PacerOption { return func(p *Pacer) { p.retries = n } }

// MaxConnectionsOption caps the number of simultaneous in-flight calls;
// 0 means unlimited.
func MaxConnectionsOption(n int) PacerOption {
	return func(p *Pacer) { p.SetMaxConnections(n) }
}

// CalculatorOption overrides the default backoff calculator.
func CalculatorOption(c Calculator) PacerOption {
	return func(p *Pacer) { p.calculator = c }
}

// New builds a Pacer with a 3-retry default and no connection limit.
func New(opts ...PacerOption) *Pacer {
	d := NewDefault()
	p := &Pacer{
		pacer:      make(chan struct{}, 1),
		calculator: d,
		retries:    3,
		state:      State{SleepTime: d.minSleep},
	}
	p.pacer <- struct{}{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetRetries sets the maximum number of retry attempts.
func (p *Pacer) SetRetries(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = n
}

// SetMaxConnections sets (or removes, with n<=0) the in-flight request cap.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// beginCall waits for a pacing slot and, if configured, a free connection
// token.
func (p *Pacer) beginCall() {
	<-p.pacer
	if p.connTokens != nil {
		<-p.connTokens
	}
}

// endCall releases the connection token (if any) and schedules the next
// pacing slot to open after the calculated sleep.
func (p *Pacer) endCall(retry bool) {
	if p.connTokens != nil {
		p.connTokens <- struct{}{}
	}

	p.mu.Lock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
	sleep := p.state.SleepTime
	p.mu.Unlock()

	// add +/- 50% jitter to avoid synchronized retries across callers
	jittered := time.Duration(float64(sleep) * (0.5 + rand.Float64()))
	time.AfterFunc(jittered, func() {
		p.pacer <- struct{}{}
	})
}

// Call runs fn, retrying while fn returns (retriable=true, err!=nil), up
// to the configured retry budget. fn's first return value tells the pacer
// whether a non-nil error is worth retrying.
func (p *Pacer) Call(fn func() (bool, error)) error {
	p.mu.Lock()
	retries := p.retries
	p.mu.Unlock()

	var err error
	var retriable bool
	for try := 0; try <= retries; try++ {
		p.beginCall()
		retriable, err = fn()
		p.endCall(retriable && err != nil)
		if err == nil || !retriable {
			return err
		}
	}
	return err
}
