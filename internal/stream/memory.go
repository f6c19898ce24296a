package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ripple/internal/event"
)

// MemoryLog is an in-process Log with the same delivery semantics as the
// Redis implementation: per-key FIFO, consumer groups with a pending list,
// at-least-once redelivery via ReadPending/Claim. It backs unit tests and
// single-process deployments.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	entries []Entry
	seq     uint64
	groups  map[string]*memGroup
	// notify is closed and replaced on every append so blocked readers wake.
	notify chan struct{}
}

type memGroup struct {
	// next index into entries that has not been delivered to any member yet
	next    int
	pending map[string]*memPending
}

type memPending struct {
	idx         int
	consumer    string
	deliveredAt time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string]*memStream)}
}

func (l *MemoryLog) stream(key string) *memStream {
	s, ok := l.streams[key]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		l.streams[key] = s
	}
	return s
}

func (l *MemoryLog) Append(ctx context.Context, key string, ev event.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &AppendError{Key: key, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(key)
	s.seq++
	// Fixed-width so lexicographic order matches numeric order.
	id := fmt.Sprintf("%016d", s.seq)
	ev.StreamKey = key
	ev.ID = id
	s.entries = append(s.entries, Entry{ID: id, Event: ev})

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

func (l *MemoryLog) EnsureGroup(ctx context.Context, group, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, group, consumer, key string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		s := l.stream(key)
		g, ok := s.groups[group]
		if !ok {
			l.mu.Unlock()
			return nil, fmt.Errorf("stream %q: no such group %q", key, group)
		}

		if g.next < len(s.entries) {
			end := g.next + int(count)
			if end > len(s.entries) {
				end = len(s.entries)
			}
			out := make([]Entry, end-g.next)
			copy(out, s.entries[g.next:end])
			now := time.Now()
			for i := g.next; i < end; i++ {
				g.pending[s.entries[i].ID] = &memPending{idx: i, consumer: consumer, deliveredAt: now}
			}
			g.next = end
			l.mu.Unlock()
			return out, nil
		}

		notify := s.notify
		l.mu.Unlock()

		if block <= 0 {
			return nil, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (l *MemoryLog) ReadPending(ctx context.Context, group, consumer, key string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("stream %q: no such group %q", key, group)
	}
	var out []Entry
	for _, p := range g.pending {
		if p.consumer == consumer {
			out = append(out, s.entries[p.idx])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (l *MemoryLog) Claim(ctx context.Context, group, consumer, key string, minIdle time.Duration, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("stream %q: no such group %q", key, group)
	}
	now := time.Now()
	var claimed []*memPending
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			claimed = append(claimed, p)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].idx < claimed[j].idx })
	if int64(len(claimed)) > count {
		claimed = claimed[:count]
	}
	out := make([]Entry, 0, len(claimed))
	for _, p := range claimed {
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, s.entries[p.idx])
	}
	return out, nil
}

func (l *MemoryLog) Ack(ctx context.Context, group, key, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("stream %q: no such group %q", key, group)
	}
	delete(g.pending, id)
	return nil
}

func (l *MemoryLog) Pending(ctx context.Context, group, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	g, ok := s.groups[group]
	if !ok {
		return 0, fmt.Errorf("stream %q: no such group %q", key, group)
	}
	return int64(len(g.pending)), nil
}

func (l *MemoryLog) Lag(ctx context.Context, group, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	g, ok := s.groups[group]
	if !ok {
		return 0, fmt.Errorf("stream %q: no such group %q", key, group)
	}
	undelivered := int64(len(s.entries) - g.next)
	return undelivered + int64(len(g.pending)), nil
}

func (l *MemoryLog) Tail(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(key)
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].ID, nil
}

func (l *MemoryLog) Follow(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]Entry, string, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		s := l.stream(key)
		start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].ID > fromID })
		if start < len(s.entries) {
			end := start + int(count)
			if end > len(s.entries) {
				end = len(s.entries)
			}
			out := make([]Entry, end-start)
			copy(out, s.entries[start:end])
			l.mu.Unlock()
			return out, out[len(out)-1].ID, nil
		}
		notify := s.notify
		l.mu.Unlock()

		if block <= 0 {
			return nil, fromID, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fromID, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fromID, ctx.Err()
		case <-timer.C:
			return nil, fromID, nil
		case <-notify:
			timer.Stop()
		}
	}
}
