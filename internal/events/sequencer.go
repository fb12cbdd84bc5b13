package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"roadside/internal/logger"
	"roadside/internal/metrics"
)

// DefaultGap is how long a version waits for its predecessor.
const DefaultGap = 250 * time.Millisecond

const (
	publishTimeout = 2 * time.Second
	idleAfter      = 5 * time.Minute
	sweepEvery     = 256
)

// Sequencer publishes each request's events in version order. Batches that
// arrive ahead of their predecessor are held for at most the gap; the
// predecessor may have been committed by another process and never show up,
// in which case the held batch reaches subscribers up to one gap after the
// write that produced it has returned. There is no ordering across requests.
type Sequencer struct {
	broker Broker
	gap    time.Duration
	log    logger.Logger

	mu     sync.Mutex
	reqs   map[string]*stream
	nsince int
}

type stream struct {
	last     int64
	held     map[int64][]Event
	ready    [][]Event
	draining bool
	timer    *time.Timer
	touched  time.Time
}

func NewSequencer(b Broker, gap time.Duration, log logger.Logger) *Sequencer {
	if gap <= 0 {
		gap = DefaultGap
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Sequencer{broker: b, gap: gap, log: log, reqs: map[string]*stream{}}
}

// Submit queues the events produced by version of requestID. It publishes
// synchronously unless another goroutine is already draining that request,
// or the batch is waiting on an earlier version.
func (s *Sequencer) Submit(requestID string, version int64, batch []Event) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	s.sweepLocked()
	st, ok := s.reqs[requestID]
	if !ok {
		st = &stream{last: version - 1, held: map[int64][]Event{}}
		s.reqs[requestID] = st
	}
	st.touched = time.Now()
	switch {
	case version <= st.last:
		// Late: its successor already went out after a gap timeout.
		s.log.Warnf("late events for request %s version %d (last %d)", requestID, version, st.last)
		st.ready = append(st.ready, batch)
	case version == st.last+1:
		st.ready = append(st.ready, batch)
		st.last = version
		s.promoteLocked(st)
	default:
		st.held[version] = batch
		if st.timer == nil {
			st.timer = time.AfterFunc(s.gap, func() { s.flush(requestID) })
		}
	}
	s.drainLocked(st)
}

// promoteLocked moves held batches that are now contiguous to ready.
func (s *Sequencer) promoteLocked(st *stream) {
	for {
		b, ok := st.held[st.last+1]
		if !ok {
			break
		}
		delete(st.held, st.last+1)
		st.ready = append(st.ready, b)
		st.last++
	}
	if len(st.held) == 0 && st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// flush gives up waiting and releases everything held, in version order.
func (s *Sequencer) flush(requestID string) {
	s.mu.Lock()
	st, ok := s.reqs[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	versions := make([]int64, 0, len(st.held))
	for v := range st.held {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions {
		st.ready = append(st.ready, st.held[v])
		delete(st.held, v)
		st.last = v
	}
	s.drainLocked(st)
}

// drainLocked publishes ready batches outside the lock. Only one goroutine
// drains a stream at a time. It releases s.mu before returning.
func (s *Sequencer) drainLocked(st *stream) {
	if st.draining {
		s.mu.Unlock()
		return
	}
	st.draining = true
	for len(st.ready) > 0 {
		batch := st.ready[0]
		st.ready = st.ready[1:]
		s.mu.Unlock()
		s.publish(batch)
		s.mu.Lock()
	}
	st.draining = false
	s.mu.Unlock()
}

func (s *Sequencer) publish(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, evt := range batch {
		if err := s.broker.Publish(ctx, evt.Channel, evt); err != nil {
			metrics.EventsPublished.WithLabelValues(evt.Type, "error").Inc()
			s.log.Warnf("publish %s to %s: %v", evt.Type, evt.Channel, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(evt.Type, "ok").Inc()
	}
}

func (s *Sequencer) sweepLocked() {
	s.nsince++
	if s.nsince < sweepEvery {
		return
	}
	s.nsince = 0
	cutoff := time.Now().Add(-idleAfter)
	for id, st := range s.reqs {
		if !st.draining && len(st.held) == 0 && len(st.ready) == 0 && st.touched.Before(cutoff) {
			delete(s.reqs, id)
		}
	}
}
