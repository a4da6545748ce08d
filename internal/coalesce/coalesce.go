// Package coalesce single-flights outbound LLM work: concurrent dispatches
// with the same fingerprint share one in-flight call, a short success cache
// absorbs genuine platform re-delivery, and an error cooldown stops retries
// from amplifying against a failing endpoint.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/masqhq/masq/internal/fault"
)

const (
	defaultPostCache = 10 * time.Second
	defaultCooldown  = 30 * time.Second
	defaultTimeout   = 60 * time.Second

	// fingerprintSlot buckets near-simultaneous identical requests together
	// while keeping requests tens of seconds apart distinct.
	fingerprintSlot = 10 * time.Second
)

// Fingerprint derives the coalescing key for one request. Two requests
// collide only when personality, channel, user and content match inside the
// same time slot.
func Fingerprint(personalityID, channelID, userID, content string, now time.Time) string {
	slot := now.Unix() / int64(fingerprintSlot/time.Second)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00", personalityID, channelID, userID, slot)
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Config sets the coalescer windows. Zero values fall back to defaults.
type Config struct {
	PostCache time.Duration // success replay window
	Cooldown  time.Duration // error short-circuit window
	Timeout   time.Duration // hard per-work timeout
}

type doneEntry struct {
	result    string
	err       error
	expires   time.Time
	delivered bool
}

// Work is one outbound request body: format, call, return text.
type Work func(ctx context.Context) (string, error)

// Coalescer deduplicates in-flight work per fingerprint.
type Coalescer struct {
	group singleflight.Group

	mu   sync.Mutex
	done map[string]doneEntry

	base      context.Context // bounds work lifetime to the process, not the caller
	postCache time.Duration
	cooldown  time.Duration
	timeout   time.Duration
	clock     clockwork.Clock
	log       *slog.Logger

	inflight sync.Map // fingerprint → struct{}, for the status endpoint
}

// New builds a coalescer. base bounds the lifetime of in-flight work; it
// should be the process context so duplicate-caller cancellation never kills
// a shared call.
func New(base context.Context, cfg Config, clock clockwork.Clock, log *slog.Logger) *Coalescer {
	if cfg.PostCache <= 0 {
		cfg.PostCache = defaultPostCache
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Coalescer{
		done:      map[string]doneEntry{},
		base:      base,
		postCache: cfg.PostCache,
		cooldown:  cfg.Cooldown,
		timeout:   cfg.Timeout,
		clock:     clock,
		log:       log.With(slog.String("component", "coalesce")),
	}
}

// Dispatch runs work under the fingerprint's single flight. Calls arriving
// while a flight is pending share its outcome without invoking work again;
// calls inside the post-completion windows get the cached outcome. A
// successful result is handed out for delivery exactly once per flight:
// every other caller gets the replay kind and stays silent. Cooldown errors
// short-circuit to the same error for each caller. The caller's ctx only
// governs how long this caller waits — the flight itself runs against the
// process context with the hard timeout.
func (c *Coalescer) Dispatch(ctx context.Context, fingerprint string, work Work) (string, error) {
	if result, err, hit := c.completed(fingerprint); hit {
		if err != nil {
			return "", err
		}
		if !c.claimDelivery(fingerprint) {
			return "", fault.Wrap(fault.KindReplay, nil)
		}
		return result, nil
	}

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		// Recheck under the flight: a completed entry may have landed
		// between the caller's check and the flight starting.
		if result, err, hit := c.completed(fingerprint); hit {
			return result, err
		}

		c.inflight.Store(fingerprint, struct{}{})
		defer c.inflight.Delete(fingerprint)

		workCtx, cancel := context.WithTimeout(c.base, c.timeout)
		defer cancel()

		result, err := work(workCtx)
		if workCtx.Err() == context.DeadlineExceeded {
			err = fault.Wrapf(fault.KindLLMTransient, "request timed out after %s", c.timeout)
		}
		c.record(fingerprint, result, err)
		return result, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.log.Debug("coalesced duplicate request", "fingerprint", fingerprint)
		}
		if !c.claimDelivery(fingerprint) {
			return "", fault.Wrap(fault.KindReplay, nil)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		// The duplicate caller leaves; the flight keeps running so the
		// surviving caller still gets its reply.
		return "", ctx.Err()
	}
}

// InFlight counts currently executing flights.
func (c *Coalescer) InFlight() int {
	n := 0
	c.inflight.Range(func(any, any) bool { n++; return true })
	return n
}

func (c *Coalescer) completed(fingerprint string) (string, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.done[fingerprint]
	if !ok {
		return "", nil, false
	}
	if c.clock.Now().After(e.expires) {
		delete(c.done, fingerprint)
		return "", nil, false
	}
	return e.result, e.err, true
}

// claimDelivery marks the fingerprint's completed result as delivered and
// reports whether this caller won the claim. A missing entry (expired
// between completion and claim) delivers rather than dropping a reply.
func (c *Coalescer) claimDelivery(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.done[fingerprint]
	if !ok {
		return true
	}
	if e.delivered {
		return false
	}
	e.delivered = true
	c.done[fingerprint] = e
	return true
}

func (c *Coalescer) record(fingerprint, result string, err error) {
	window := c.postCache
	if err != nil {
		window = c.cooldown
	}
	c.mu.Lock()
	c.done[fingerprint] = doneEntry{result: result, err: err, expires: c.clock.Now().Add(window)}
	c.mu.Unlock()
}

// Run prunes expired completion entries until ctx is done.
func (c *Coalescer) Run(ctx context.Context) {
	interval := c.cooldown
	if c.postCache > interval {
		interval = c.postCache
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := c.clock.Now()
			c.mu.Lock()
			for k, e := range c.done {
				if now.After(e.expires) {
					delete(c.done, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
