// Package scheduler wraps the timer plumbing the orchestrator relies on.
// Every timer hands back a cancellation token so callers can pair each
// start with a guaranteed, idempotent stop on every exit path.
package scheduler

import (
	"sync"
	"time"
)

// Token cancels a scheduled callback. Cancel may be called any number of
// times from any goroutine; after the first call no new callback runs. A
// callback already in flight finishes on its own.
type Token struct {
	once sync.Once
	done chan struct{}
}

// Cancel stops the associated timer. Safe on a nil token.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		close(t.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// After runs fn once after d elapses, unless the token is cancelled first.
func After(d time.Duration, fn func()) *Token {
	token := newToken()
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-token.done:
		case <-timer.C:
			select {
			case <-token.done:
			default:
				fn()
			}
		}
	}()
	return token
}

// Every runs fn at a fixed interval until the token is cancelled. Callbacks
// are invoked sequentially on a single goroutine: a callback that outlives
// the interval suppresses the ticks it overlaps rather than queueing them,
// so a slow callback never reorders against a later one.
func Every(d time.Duration, fn func()) *Token {
	token := newToken()
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-token.done:
				return
			case <-ticker.C:
				select {
				case <-token.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return token
}
