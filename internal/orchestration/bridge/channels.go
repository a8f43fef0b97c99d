package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	nc "github.com/nats-io/nats.go"
)

// NATSChannel ingests messages published to a subject and replies on
// the sender's reply subject (NATS request/reply).
type NATSChannel struct {
	name    string
	conn    *nc.Conn
	subject string
	sub     *nc.Subscription

	mu    sync.Mutex
	inbox []Message
}

// NewNATSChannel subscribes to subject on conn; every message received
// is queued for the next Receive poll.
func NewNATSChannel(name string, conn *nc.Conn, subject string) (*NATSChannel, error) {
	c := &NATSChannel{name: name, conn: conn, subject: subject}
	sub, err := conn.Subscribe(subject, func(msg *nc.Msg) {
		c.mu.Lock()
		c.inbox = append(c.inbox, Message{
			ThreadID:   msg.Reply,
			Author:     msg.Subject,
			Text:       string(msg.Data),
			ReceivedAt: time.Now().UTC(),
		})
		c.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("nats channel %s: subscribe %s: %w", name, subject, err)
	}
	c.sub = sub
	return c, nil
}

func (c *NATSChannel) Name() string { return c.name }

func (c *NATSChannel) Receive(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out, nil
}

// Send publishes text to threadID, which must be a reply subject
// captured from an earlier inbound message.
func (c *NATSChannel) Send(ctx context.Context, threadID, text string) error {
	if threadID == "" {
		return fmt.Errorf("nats channel %s: empty reply subject", c.name)
	}
	return c.conn.Publish(threadID, []byte(text))
}

// Unsubscribe tears down the underlying NATS subscription.
func (c *NATSChannel) Unsubscribe() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// SlackConfig configures an outbound Slack webhook channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
}

// SlackChannel is an outbound-only adapter: Slack inbound delivery
// requires the Events API, which this bridge does not host, so Receive
// always returns no messages.
type SlackChannel struct {
	name   string
	cfg    SlackConfig
	client *http.Client
}

// NewSlackChannel constructs an outbound Slack webhook channel.
func NewSlackChannel(name string, cfg SlackConfig) *SlackChannel {
	return &SlackChannel{name: name, cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackChannel) Name() string { return s.name }

func (s *SlackChannel) Receive(ctx context.Context) ([]Message, error) { return nil, nil }

func (s *SlackChannel) Send(ctx context.Context, threadID, text string) error {
	if s.cfg.WebhookURL == "" {
		return fmt.Errorf("slack channel %s: webhook url not configured", s.name)
	}

	payload := map[string]interface{}{"text": text}
	if threadID != "" {
		payload["thread_ts"] = threadID
	}
	if s.cfg.Channel != "" {
		payload["channel"] = s.cfg.Channel
	}
	if s.cfg.Username != "" {
		payload["username"] = s.cfg.Username
	}
	if s.cfg.IconEmoji != "" {
		payload["icon_emoji"] = s.cfg.IconEmoji
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack channel %s: marshal payload: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack channel %s: post: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack channel %s: webhook returned status %d", s.name, resp.StatusCode)
	}
	return nil
}

// DiscordConfig configures an outbound Discord webhook channel.
type DiscordConfig struct {
	WebhookURL string
	Username   string
	AvatarURL  string
}

// DiscordChannel is an outbound-only adapter, same rationale as
// SlackChannel: Discord inbound requires a bot gateway connection this
// bridge does not host.
type DiscordChannel struct {
	name   string
	cfg    DiscordConfig
	client *http.Client
}

// NewDiscordChannel constructs an outbound Discord webhook channel.
func NewDiscordChannel(name string, cfg DiscordConfig) *DiscordChannel {
	return &DiscordChannel{name: name, cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordChannel) Name() string { return d.name }

func (d *DiscordChannel) Receive(ctx context.Context) ([]Message, error) { return nil, nil }

func (d *DiscordChannel) Send(ctx context.Context, threadID, text string) error {
	if d.cfg.WebhookURL == "" {
		return fmt.Errorf("discord channel %s: webhook url not configured", d.name)
	}

	payload := map[string]interface{}{"content": text}
	if d.cfg.Username != "" {
		payload["username"] = d.cfg.Username
	}
	if d.cfg.AvatarURL != "" {
		payload["avatar_url"] = d.cfg.AvatarURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord channel %s: marshal payload: %w", d.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord channel %s: post: %w", d.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord channel %s: webhook returned status %d", d.name, resp.StatusCode)
	}
	return nil
}
