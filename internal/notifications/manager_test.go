package notifications

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

func TestNewManager(t *testing.T) {
	config := Config{
		AppID:          "TestApp",
		DashboardURL:   "http://localhost:8080",
		EnableToast:    true,
		EnableTerminal: true,
		EnableBanner:   true,
		Logger:         log.New(os.Stdout, "", 0),
	}

	manager := NewManager(config)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if !manager.IsEnabled() {
		t.Error("expected manager to be enabled")
	}
}

func TestNewDefaultManager(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")
	if manager == nil {
		t.Fatal("NewDefaultManager returned nil")
	}
	if !manager.IsEnabled() {
		t.Error("expected default manager to be enabled")
	}
}

func TestManagerEnableDisable(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")

	manager.Disable()
	if manager.IsEnabled() {
		t.Error("expected manager to be disabled after Disable()")
	}

	manager.Enable()
	if !manager.IsEnabled() {
		t.Error("expected manager to be enabled after Enable()")
	}
}

func TestManagerNotifyReviewRequired(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")

	err := manager.NotifyReviewRequired("squad-alpha", "ready for review")
	_ = err // toast/terminal errors depend on the host platform

	state := manager.GetBannerState()
	if !state.Visible {
		t.Error("expected banner to be visible after review notification")
	}
	if state.Type != BannerTypeReview {
		t.Errorf("expected review banner type, got %s", state.Type)
	}
}

func TestManagerClearAlert(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")
	manager.NotifyReviewRequired("squad-alpha", "ready for review")

	if err := manager.ClearAlert(); err != nil {
		t.Errorf("ClearAlert returned error: %v", err)
	}

	state := manager.GetBannerState()
	if state.Visible {
		t.Error("expected banner to be hidden after ClearAlert")
	}
}

func TestManagerDisabledNotifications(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")
	manager.Disable()

	if err := manager.NotifyReviewRequired("squad-alpha", "ready"); err == nil {
		t.Error("expected error when notifications disabled")
	}
}

func TestManagerSubscribeFiresOnReviewRequired(t *testing.T) {
	bus := signals.NewBus(nil)
	manager := NewDefaultManager("http://localhost:8080")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Subscribe(ctx, bus)

	bus.Publish(types.Signal{
		Session: "squad-alpha",
		Kind:    types.SignalComplete,
		Task:    "ORC-1",
		Payload: map[string]interface{}{"completionMode": string(types.CompletionReviewRequired)},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if manager.GetBannerState().Visible {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected review banner to become visible after a review_required complete signal")
}

func TestManagerSubscribeIgnoresAutoProceed(t *testing.T) {
	bus := signals.NewBus(nil)
	manager := NewDefaultManager("http://localhost:8080")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Subscribe(ctx, bus)

	bus.Publish(types.Signal{
		Session: "squad-alpha",
		Kind:    types.SignalComplete,
		Task:    "ORC-1",
		Payload: map[string]interface{}{"completionMode": string(types.CompletionAutoProceed)},
	})

	time.Sleep(50 * time.Millisecond)
	if manager.GetBannerState().Visible {
		t.Fatal("expected no banner for an auto-proceed completion")
	}
}

func TestManagerConcurrentAccess(t *testing.T) {
	manager := NewDefaultManager("http://localhost:8080")

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			for j := 0; j < 50; j++ {
				switch n % 3 {
				case 0:
					manager.NotifyReviewRequired("squad-alpha", "Test")
				case 1:
					manager.ClearAlert()
				case 2:
					manager.IsEnabled()
				}
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				manager.GetBannerState()
			}
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}

func TestManagerNilLogger(t *testing.T) {
	config := Config{
		AppID:          "TestApp",
		EnableToast:    true,
		EnableTerminal: true,
		EnableBanner:   true,
		Logger:         nil,
	}

	manager := NewManager(config)
	if manager == nil {
		t.Fatal("NewManager with nil logger returned nil")
	}
	manager.NotifyReviewRequired("squad-alpha", "Test")
}

func TestManagerPartialConfig(t *testing.T) {
	config := Config{
		AppID:          "TestApp",
		EnableToast:    false,
		EnableTerminal: true,
		EnableBanner:   true,
	}
	manager := NewManager(config)
	if !manager.IsEnabled() {
		t.Error("expected manager to be enabled when some notification types are enabled")
	}

	config = Config{AppID: "TestApp"}
	manager = NewManager(config)
	if manager.IsEnabled() {
		t.Error("expected manager to be disabled when all notification types are disabled")
	}
}
