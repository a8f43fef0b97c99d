// Package notifications turns review-required completion signals into
// operator-visible alerts: a desktop toast where supported, a terminal
// title flash, and a dashboard banner state the gateway can surface.
package notifications

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// Notifier is the unified interface the composition root wires against.
type Notifier interface {
	NotifyReviewRequired(session, message string) error
	ClearAlert() error
	IsEnabled() bool
}

// Manager implements Notifier with multiple notification channels and
// can subscribe directly to the Signal Bus to fire on review-required
// completions without the caller threading signals through by hand.
type Manager struct {
	toast    *ToastNotifier
	terminal *TerminalNotifier
	banner   *BannerNotifier
	enabled  bool
	mu       sync.RWMutex
	logger   *log.Logger
}

// Config holds configuration for the notification manager.
type Config struct {
	AppID          string
	DashboardURL   string
	EnableToast    bool
	EnableTerminal bool
	EnableBanner   bool
	Logger         *log.Logger
}

// NewManager creates a new notification manager with all notification channels.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	m := &Manager{
		toast:    NewToastNotifierWithURL(config.AppID, config.DashboardURL),
		terminal: NewTerminalNotifier(config.AppID),
		banner:   NewBannerNotifier(),
		enabled:  config.EnableToast || config.EnableTerminal || config.EnableBanner,
		logger:   config.Logger,
	}

	m.logSupport()
	return m
}

// NewDefaultManager creates a manager with default settings (all channels enabled).
func NewDefaultManager(dashboardURL string) *Manager {
	return NewManager(Config{
		AppID:          "orchestrad",
		DashboardURL:   dashboardURL,
		EnableToast:    true,
		EnableTerminal: true,
		EnableBanner:   true,
		Logger:         log.Default(),
	})
}

// Subscribe attaches the manager to the bus and fires NotifyReviewRequired
// for every complete signal whose completionMode is review_required (the
// default when a session omits the payload field entirely). It runs until
// ctx is cancelled.
func (m *Manager) Subscribe(ctx context.Context, bus *signals.Bus) {
	ch, unsubscribe := bus.Subscribe("")
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				m.handle(d.Signal)
			}
		}
	}()
}

func (m *Manager) handle(sig types.Signal) {
	if sig.Kind != types.SignalComplete {
		return
	}
	mode := types.CompletionReviewRequired
	if v, ok := sig.Payload["completionMode"].(string); ok {
		mode = types.CompletionMode(v)
	}
	if mode != types.CompletionReviewRequired {
		return
	}
	msg := fmt.Sprintf("task %s is ready for review", sig.Task)
	if err := m.NotifyReviewRequired(sig.Session, msg); err != nil {
		m.logger.Printf("[notifications] review alert for %s: %v", sig.Session, err)
	}
}

// NotifyReviewRequired triggers all notification channels for a session
// whose completed work is waiting on review.
func (m *Manager) NotifyReviewRequired(session, message string) error {
	if !m.IsEnabled() {
		return fmt.Errorf("notifications are disabled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if m.toast.IsSupported() {
		if err := m.toast.NotifyReviewRequired(session, message); err != nil {
			m.logger.Printf("[notifications] toast failed: %v", err)
			errs = append(errs, fmt.Errorf("toast: %w", err))
		}
	}

	if m.terminal.IsSupported() {
		if err := m.terminal.NotifyReviewRequired(session, message); err != nil {
			m.logger.Printf("[notifications] terminal flash failed: %v", err)
			errs = append(errs, fmt.Errorf("terminal: %w", err))
		}
	}

	if err := m.banner.Show(message, BannerTypeReview); err != nil {
		errs = append(errs, fmt.Errorf("banner: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("some notifications failed: %v", errs)
	}
	return nil
}

// ClearAlert clears all active notifications.
func (m *Manager) ClearAlert() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.terminal.IsSupported() {
		if err := m.terminal.ClearAlert(); err != nil {
			errs = append(errs, fmt.Errorf("terminal: %w", err))
		}
	}
	if err := m.banner.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("banner: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("some clear operations failed: %v", errs)
	}
	return nil
}

// IsEnabled returns true if notifications are enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Enable enables all notifications.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable disables all notifications.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// GetBannerState returns the current banner state (for the dashboard).
func (m *Manager) GetBannerState() BannerState {
	return m.banner.GetState()
}

func (m *Manager) logSupport() {
	m.logger.Printf("[notifications] toast supported: %v", m.toast.IsSupported())
	m.logger.Printf("[notifications] terminal title supported: %v", m.terminal.IsSupported())
}
