// Package cache implements the per-inverter register cache (spec.md
// section 3, "Register cache"): a map of last-seen holding register
// values, owned entirely by its own goroutine and reached only via
// channels, mirroring original_source's register_cache module.
package cache

import "context"

// Write updates register reg to value. Sent by the coordinator after every
// successful ReadHold/SetHold/WriteMulti.
type Write struct {
	Register uint16
	Value    uint16
}

// ReadRequest asks the cache task for the current value of Register,
// replying on Reply. Sent by Read.
type ReadRequest struct {
	Register uint16
	Reply    chan<- ReadResult
}

// ReadResult is the reply to a ReadRequest.
type ReadResult struct {
	Value uint16
	Found bool
}

// Cache owns one inverter's register map and serializes all access
// through its goroutine's select loop, so cache updates for a given
// register are totally ordered by arrival (spec.md section 5).
type Cache struct {
	writes  chan Write
	reads   chan ReadRequest
	snaps   chan chan map[uint16]uint16
	done    chan struct{}
}

// New creates a Cache; call Run to start its goroutine.
func New() *Cache {
	return &Cache{
		writes: make(chan Write, 64),
		reads:  make(chan ReadRequest, 16),
		snaps:  make(chan chan map[uint16]uint16),
		done:   make(chan struct{}),
	}
}

// Write queues a register update. Never blocks the caller for long: the
// channel is generously buffered and the cache task drains it promptly.
func (c *Cache) Write(w Write) {
	select {
	case c.writes <- w:
	case <-c.done:
	}
}

// Read fetches the current value of register, or (0, false) if unset, or
// an error if the cache has shut down before answering.
func (c *Cache) Read(ctx context.Context, register uint16) (uint16, bool, error) {
	reply := make(chan ReadResult, 1)
	select {
	case c.reads <- ReadRequest{Register: register, Reply: reply}:
	case <-c.done:
		return 0, false, context.Canceled
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}

	select {
	case result := <-reply:
		return result.Value, result.Found, nil
	case <-c.done:
		return 0, false, context.Canceled
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// Snapshot returns a copy of the full register map, for diagnostics.
func (c *Cache) Snapshot(ctx context.Context) (map[uint16]uint16, error) {
	reply := make(chan map[uint16]uint16, 1)
	select {
	case c.snaps <- reply:
	case <-c.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case m := <-reply:
		return m, nil
	case <-c.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes the cache's owning goroutine until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	defer close(c.done)
	registers := make(map[uint16]uint16)

	for {
		select {
		case w := <-c.writes:
			registers[w.Register] = w.Value

		case r := <-c.reads:
			v, ok := registers[r.Register]
			select {
			case r.Reply <- ReadResult{Value: v, Found: ok}:
			default:
			}

		case reply := <-c.snaps:
			cp := make(map[uint16]uint16, len(registers))
			for k, v := range registers {
				cp[k] = v
			}
			select {
			case reply <- cp:
			default:
			}

		case <-ctx.Done():
			return
		}
	}
}
