// Package notify holds the side effects of a live edge: the notification and the browser tab.
// Both are capabilities injected at startup so headless deployments can swap them out.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notification is what the user sees when the channel goes live.
type Notification struct {
	Title   string
	Message string
	URL     string
}

// Notifier raises a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes the notification as a structured log line. It never fails.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", slog.String("title", n.Title), slog.String("message", n.Message), slog.String("url", n.URL))
	return nil
}

// MultiNotifier fans out to every notifier; one failure does not stop the others.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
