package control

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker guarding the gateway
// poll loop. It is safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	// OnTransition, when set, is called after every state change with the
	// lock released.
	OnTransition func(from, to CircuitState, class string)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether a poll may go out at this instant.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	if c.state != CircuitOpen {
		c.mu.Unlock()
		return true
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		c.mu.Unlock()
		return false
	}
	class := c.openedClass
	c.state = CircuitHalfOpen
	c.mu.Unlock()
	c.notify(CircuitOpen, CircuitHalfOpen, class)
	return true
}

// RemainingCooldown reports how long an open breaker keeps denying.
func (c *CircuitBreaker) RemainingCooldown(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return 0
	}
	if d := c.Cooldown - now.Sub(c.openedAt); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess updates state after a successful poll.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	from := c.state
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	c.mu.Unlock()
	if from != CircuitClosed {
		c.notify(from, CircuitClosed, "")
	}
}

// RecordFailure updates state after an error in the given class.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	from := c.state
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
	} else {
		c.failures[errClass]++
		if c.failures[errClass] >= c.Threshold {
			c.open(errClass, now)
		}
	}
	to := c.state
	c.mu.Unlock()
	if from != to {
		c.notify(from, to, errClass)
	}
}

func (c *CircuitBreaker) open(class string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = class
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) notify(from, to CircuitState, class string) {
	if c.OnTransition != nil {
		c.OnTransition(from, to, class)
	}
}

// ClassifyError buckets a gateway error so unrelated failures do not trip
// each other's counters.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		return classifyStatus(coded.HTTPStatusCode())
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "(status 401)"), strings.Contains(msg, "(status 403)"):
		return "auth"
	case strings.Contains(msg, "(status 429)"):
		return "rate_limit"
	case strings.Contains(msg, "(status 5"):
		return "upstream"
	case strings.Contains(msg, "parse"):
		return "parse"
	}
	return "unknown"
}

func classifyStatus(code int) string {
	switch {
	case code == 401, code == 403:
		return "auth"
	case code == 429:
		return "rate_limit"
	case code >= 500:
		return "upstream"
	case code >= 400:
		return "client"
	}
	return "unknown"
}
