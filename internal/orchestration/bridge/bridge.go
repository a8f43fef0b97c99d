// Package bridge implements the External Channel Bridge: it turns
// incoming messages on watched chat channels into tasks, routes replies
// back to the session that originated them, and forwards outbound reply
// signals from the Signal Bus to the channel a task came from.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/supervisor"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// Message is one inbound unit from a Channel: a chat message, possibly
// a reply within an existing thread.
type Message struct {
	ThreadID   string
	Author     string
	Text       string
	ReceivedAt time.Time
}

// Channel is the adapter surface an external chat system implements.
// Receive is polled; Send delivers an outbound reply into a thread.
type Channel interface {
	Name() string
	Receive(ctx context.Context) ([]Message, error)
	Send(ctx context.Context, threadID, text string) error
}

// Bridge ingests chat messages as tasks, appends replies to the task
// that originated a thread, resumes paused sessions on reply, and
// forwards reply signals from the bus back out to their channel.
type Bridge struct {
	taskSt *tasks.Store
	sup    *supervisor.Supervisor
	bus    *signals.Bus

	pollInterval time.Duration

	mu       sync.Mutex
	channels map[string]Channel
	watched  map[string]bool
	// threadTask maps "<channel>|<threadID>" to the task it ingested.
	threadTask map[string]string
	// taskThread is the reverse index, used to route outbound replies.
	taskThread map[string]string

	stop chan struct{}
}

// New constructs a Bridge with no channels registered.
func New(taskSt *tasks.Store, sup *supervisor.Supervisor, bus *signals.Bus, pollInterval time.Duration) *Bridge {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Bridge{
		taskSt:       taskSt,
		sup:          sup,
		bus:          bus,
		pollInterval: pollInterval,
		channels:     make(map[string]Channel),
		watched:      make(map[string]bool),
		threadTask:   make(map[string]string),
		taskThread:   make(map[string]string),
		stop:         make(chan struct{}),
	}
}

// RegisterChannel adds a channel. watched controls whether a message on
// it with no known originating task becomes a new task; every channel,
// watched or not, can still receive outbound replies and follow-up
// ingest for threads it already originated.
func (b *Bridge) RegisterChannel(ch Channel, watched bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[ch.Name()] = ch
	b.watched[ch.Name()] = watched
}

// ListChannels returns the names of every registered channel.
func (b *Bridge) ListChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for name := range b.channels {
		out = append(out, name)
	}
	return out
}

// Start begins the poll loop and subscribes to the Signal Bus for
// outbound reply signals.
func (b *Bridge) Start(ctx context.Context) {
	ch, unsubscribe := b.bus.Subscribe("")
	go func() {
		defer unsubscribe()
		for {
			select {
			case d, ok := <-ch:
				if !ok {
					return
				}
				if d.Signal.Kind == types.SignalReply {
					b.routeOutbound(ctx, d.Signal)
				}
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.poll(ctx)
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the poll loop and bus subscription.
func (b *Bridge) Close() {
	close(b.stop)
}

func (b *Bridge) poll(ctx context.Context) {
	b.mu.Lock()
	snapshot := make([]Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		snapshot = append(snapshot, ch)
	}
	b.mu.Unlock()

	for _, ch := range snapshot {
		msgs, err := ch.Receive(ctx)
		if err != nil {
			log.Printf("[bridge] receive on %s failed: %v", ch.Name(), err)
			continue
		}
		for _, m := range msgs {
			b.ingest(ctx, ch, m)
		}
	}
}

func threadKey(channel, threadID string) string {
	return channel + "|" + threadID
}

// ingest applies the ingest and resume rules to one inbound message.
func (b *Bridge) ingest(ctx context.Context, ch Channel, m Message) {
	key := threadKey(ch.Name(), m.ThreadID)

	b.mu.Lock()
	taskID, known := b.threadTask[key]
	b.mu.Unlock()

	if known {
		b.appendReply(taskID, m)
		b.resumePausedSession(ctx, taskID, m)
		return
	}

	b.mu.Lock()
	watched := b.watched[ch.Name()]
	b.mu.Unlock()
	if !watched {
		return
	}

	description := fmt.Sprintf(
		"%s %s via %s: %s\n\n---\nReply to this task to respond to %s on %s.",
		m.ReceivedAt.Format(time.RFC3339), m.Author, ch.Name(), m.Text, m.Author, ch.Name(),
	)
	spec := tasks.Spec{
		Title:       truncate(m.Text, 80),
		Description: description,
		IssueType:   types.IssueChat,
		Project:     "chat",
		Labels:      []string{"origin:" + ch.Name()},
	}
	task, err := b.taskSt.Create(spec)
	if err != nil {
		log.Printf("[bridge] ingest create task from %s failed: %v", ch.Name(), err)
		return
	}

	b.mu.Lock()
	b.threadTask[key] = task.ID
	b.taskThread[task.ID] = key
	b.mu.Unlock()
}

func (b *Bridge) appendReply(taskID string, m Message) {
	task, err := b.taskSt.Show(taskID)
	if err != nil {
		return
	}
	follow := fmt.Sprintf("%s\n\n---\n%s %s: %s", task.Description, m.ReceivedAt.Format(time.RFC3339), m.Author, m.Text)
	if _, err := b.taskSt.Update(taskID, tasks.Patch{Description: &follow}); err != nil {
		log.Printf("[bridge] append reply to %s failed: %v", taskID, err)
	}
}

func (b *Bridge) resumePausedSession(ctx context.Context, taskID string, m Message) {
	for _, sess := range b.sup.List() {
		if sess.Task != taskID || sess.State != types.SessionPaused {
			continue
		}
		if err := b.sup.ResumeSession(ctx, sess.Name, m.Text); err != nil {
			log.Printf("[bridge] resume %s on reply failed: %v", sess.Name, err)
		}
	}
}

// routeOutbound forwards a reply signal to the channel that originated
// its task, if the task has a known thread.
func (b *Bridge) routeOutbound(ctx context.Context, sig types.Signal) {
	if sig.Task == "" {
		return
	}
	b.mu.Lock()
	key, ok := b.taskThread[sig.Task]
	b.mu.Unlock()
	if !ok {
		return
	}

	channelName, threadID := splitThreadKey(key)
	b.mu.Lock()
	ch, ok := b.channels[channelName]
	b.mu.Unlock()
	if !ok {
		return
	}

	text, _ := sig.Payload["message"].(string)
	if text == "" {
		return
	}
	if err := ch.Send(ctx, threadID, text); err != nil {
		log.Printf("[bridge] send reply to %s/%s failed: %v", channelName, threadID, err)
	}
}

func splitThreadKey(key string) (channel, threadID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
