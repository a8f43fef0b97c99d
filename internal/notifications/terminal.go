package notifications

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

// TerminalNotifier handles terminal title manipulation for notifications.
type TerminalNotifier struct {
	originalTitle string
	mu            sync.Mutex
}

// NewTerminalNotifier creates a new terminal notifier.
func NewTerminalNotifier(appID string) *TerminalNotifier {
	if appID == "" {
		appID = "orchestrad"
	}
	return &TerminalNotifier{originalTitle: appID}
}

// SetOriginalTitle stores the original terminal title for restoration.
func (t *TerminalNotifier) SetOriginalTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originalTitle = title
}

// FlashTerminal changes the terminal title to show an alert.
func (t *TerminalNotifier) FlashTerminal(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.setTerminalTitle(fmt.Sprintf("\U0001F514 %s", message))
}

// NotifyReviewRequired changes the terminal title to flag a session
// waiting on review.
func (t *TerminalNotifier) NotifyReviewRequired(session, message string) error {
	return t.FlashTerminal(fmt.Sprintf("%s: %s", session, message))
}

// RestoreTerminalTitle restores the original terminal title.
func (t *TerminalNotifier) RestoreTerminalTitle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTerminalTitle(t.originalTitle)
}

// ClearAlert restores the terminal title to its original state.
func (t *TerminalNotifier) ClearAlert() error {
	return t.RestoreTerminalTitle()
}

// setTerminalTitle sets the terminal window title using an OSC escape sequence.
func (t *TerminalNotifier) setTerminalTitle(title string) error {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		fmt.Printf("\033]0;%s\007", title)
		return nil
	default:
		return fmt.Errorf("terminal title manipulation not supported on %s", runtime.GOOS)
	}
}

// IsSupported returns true if terminal title manipulation is supported.
func (t *TerminalNotifier) IsSupported() bool {
	if !isTerminal() {
		return false
	}
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		return false
	}
}

// isTerminal checks if stdout is connected to a terminal.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// GetCurrentTitle returns the stored original title.
func (t *TerminalNotifier) GetCurrentTitle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.originalTitle
}
