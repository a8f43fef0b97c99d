package notifications

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// ToastNotifier handles desktop toast notifications (Windows only, via
// go-toast/toast's Windows notification center binding).
type ToastNotifier struct {
	appID        string
	dashboardURL string
}

// NewToastNotifierWithURL creates a new toast notifier with a custom dashboard URL.
func NewToastNotifierWithURL(appID, dashboardURL string) *ToastNotifier {
	if appID == "" {
		appID = "orchestrad"
	}
	if dashboardURL == "" {
		dashboardURL = "http://localhost:8080"
	}
	return &ToastNotifier{
		appID:        appID,
		dashboardURL: dashboardURL,
	}
}

// NotifyReviewRequired sends a toast notification for a session whose
// completed task is waiting on review.
func (t *ToastNotifier) NotifyReviewRequired(session, message string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on Windows")
	}

	notification := toast.Notification{
		AppID:   t.appID,
		Title:   fmt.Sprintf("%s needs review", session),
		Message: message,
		Audio:   toast.IM,
		Actions: []toast.Action{
			{
				Type:      "protocol",
				Label:     "View Now",
				Arguments: t.dashboardURL,
			},
		},
	}

	return notification.Push()
}

// IsSupported returns true if toast notifications are supported on this platform.
func (t *ToastNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}
