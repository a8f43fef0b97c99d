// Package signals is the Signal Bus: accepts typed lifecycle signals
// from running agents, deduplicates, persists the latest per
// (session, kind), and fans them out to subscribers.
package signals

import (
	"crypto/sha256"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/types"
)

const (
	// MaxBackpressureRetries is the number of times to retry sending before dropping.
	MaxBackpressureRetries = 3
	// BackpressureRetryDelay is the delay between retry attempts.
	BackpressureRetryDelay = 10 * time.Millisecond
	// DefaultBacklog is the default bounded channel size per subscriber.
	DefaultBacklog = 1024
	// DedupWindow collapses identical consecutive signals within this window.
	DedupWindow = 200 * time.Millisecond
	// DefaultHistoryTTL bounds how long the replay ring retains signals.
	DefaultHistoryTTL = 10 * time.Minute
	// DefaultHistoryMax bounds how many signals the replay ring retains.
	DefaultHistoryMax = 10000
)

// Store persists the latest signal per (session, kind).
type Store interface {
	SaveLatest(sig *types.Signal) error
	Latest(session string, kind types.SignalKind) (*types.Signal, error)
	LatestAll(session string) ([]*types.Signal, error)
}

// Delivered is sent to a subscriber; Lagged is set when the bus dropped
// signals before this one because the subscriber fell behind.
type Delivered struct {
	Signal types.Signal
	Lagged bool
}

type subscription struct {
	id      uint64
	session string
	ch      chan Delivered
	lagged  atomic.Bool // a signal was dropped since the last delivery
}

type fingerprint struct {
	hash [32]byte
	at   time.Time
}

// Bus fans out signals to per-session subscribers and maintains a
// bounded replay history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription // session -> subs
	nextSubID   uint64

	store Store

	seq uint64 // atomic

	lastSeen map[string]map[types.SignalKind]fingerprint // session -> kind -> fingerprint

	histMu  sync.Mutex
	history []types.Signal

	dropped uint64 // atomic
}

// NewBus creates a bus, optionally backed by a durable Store.
func NewBus(store Store) *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscription),
		store:       store,
		lastSeen:    make(map[string]map[types.SignalKind]fingerprint),
	}
}

// Subscribe returns a channel delivering signals for session in receive
// order (I7), plus an unsubscribe function. If session is "" the
// subscriber receives every session's signals.
func (b *Bus) Subscribe(session string) (<-chan Delivered, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{id: b.nextSubID, session: session, ch: make(chan Delivered, DefaultBacklog)}
	key := session
	if key == "" {
		key = "*"
	}
	b.subscribers[key] = append(b.subscribers[key], sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[key]
		for i, s := range subs {
			if s.id == sub.id {
				close(s.ch)
				b.subscribers[key] = append(subs[:i], subs[i+1:]...)
				if len(b.subscribers[key]) == 0 {
					delete(b.subscribers, key)
				}
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish accepts a signal, deduplicates it against the last signal of
// the same kind for the same session within DedupWindow, assigns a
// sequence number, persists the latest-per-kind record, appends to the
// replay history, and fans out to subscribers.
func (b *Bus) Publish(sig types.Signal) {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}

	if b.isDuplicate(sig) {
		return
	}

	sig.Sequence = atomic.AddUint64(&b.seq, 1)

	if b.store != nil {
		if err := b.store.SaveLatest(&sig); err != nil {
			log.Printf("[signals] failed to persist latest signal session=%s kind=%s: %v", sig.Session, sig.Kind, err)
		}
	}

	b.appendHistory(sig)
	b.fanOut(sig)
}

func (b *Bus) isDuplicate(sig types.Signal) bool {
	payload, _ := json.Marshal(sig.Payload)
	sum := sha256.Sum256(append([]byte(sig.Kind), payload...))

	b.mu.Lock()
	defer b.mu.Unlock()

	perKind, ok := b.lastSeen[sig.Session]
	if !ok {
		perKind = make(map[types.SignalKind]fingerprint)
		b.lastSeen[sig.Session] = perKind
	}
	prev, seen := perKind[sig.Kind]
	now := sig.ReceivedAt
	dup := seen && prev.hash == sum && now.Sub(prev.at) <= DedupWindow
	perKind[sig.Kind] = fingerprint{hash: sum, at: now}
	return dup
}

func (b *Bus) appendHistory(sig types.Signal) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history = append(b.history, sig)
	cutoff := time.Now().UTC().Add(-DefaultHistoryTTL)
	start := 0
	for start < len(b.history) && b.history[start].ReceivedAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		b.history = append([]types.Signal{}, b.history[start:]...)
	}
	if len(b.history) > DefaultHistoryMax {
		b.history = append([]types.Signal{}, b.history[len(b.history)-DefaultHistoryMax:]...)
	}
}

// ReplayFrom returns every retained signal with Sequence > lastSeen, in
// receive order (S6 reconnect/replay).
func (b *Bus) ReplayFrom(lastSeen uint64) []types.Signal {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]types.Signal, 0)
	for _, s := range b.history {
		if s.Sequence > lastSeen {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (b *Bus) fanOut(sig types.Signal) {
	b.mu.RLock()
	var targets []*subscription
	targets = append(targets, b.subscribers[sig.Session]...)
	targets = append(targets, b.subscribers["*"]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.sendWithBackpressure(sub, Delivered{Signal: sig})
	}
}

func (b *Bus) sendWithBackpressure(sub *subscription, d Delivered) {
	d.Lagged = sub.lagged.Load()
	select {
	case sub.ch <- d:
		sub.lagged.Store(false)
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case sub.ch <- d:
			sub.lagged.Store(false)
			return
		default:
		}
	}

	atomic.AddUint64(&b.dropped, 1)
	sub.lagged.Store(true)
	log.Printf("[signals] dropped signal for session=%s kind=%s: subscriber backlog full", d.Signal.Session, d.Signal.Kind)
}

// DroppedCount returns how many deliveries were dropped due to a full
// subscriber backlog.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Latest returns the durable latest signal of kind for session, if any.
func (b *Bus) Latest(session string, kind types.SignalKind) (*types.Signal, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.Latest(session, kind)
}

// LatestAll returns every durable latest-per-kind signal for session.
func (b *Bus) LatestAll(session string) ([]*types.Signal, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.LatestAll(session)
}
