package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

var (
	// ErrMuteUnsupported is returned when the opener cannot control tab audio. The requested
	// state is still recorded.
	ErrMuteUnsupported = errors.New("tab mute not supported")
	ErrUnknownTab      = errors.New("unknown tab")
)

// Tab identifies a tab opened by a TabOpener.
type Tab struct {
	ID  int
	URL string
}

// TabOpener opens browser tabs and controls their audio.
type TabOpener interface {
	Open(ctx context.Context, url string, active bool) (Tab, error)
	SetMuted(ctx context.Context, tab Tab, muted bool) error
	Muted(ctx context.Context, tab Tab) (bool, error)
}

// CommandRunner starts an external program without waiting for it.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// BrowserTabOpener launches the platform URL opener, or Command when set.
// The browser gives no handle back, so mute state is only tracked.
type BrowserTabOpener struct {
	Command string
	Run     CommandRunner

	mu     sync.Mutex
	nextID int
	muted  map[int]bool
}

func (b *BrowserTabOpener) Open(ctx context.Context, url string, _ bool) (Tab, error) {
	name, args := b.command(url)
	run := b.Run
	if run == nil {
		run = startDetached
	}
	if err := run(ctx, name, args...); err != nil {
		return Tab{}, fmt.Errorf("open %s: %w", url, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.muted == nil {
		b.muted = map[int]bool{}
	}
	b.nextID++
	b.muted[b.nextID] = false
	return Tab{ID: b.nextID, URL: url}, nil
}

func (b *BrowserTabOpener) SetMuted(_ context.Context, tab Tab, muted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.muted[tab.ID]; !ok {
		return ErrUnknownTab
	}
	b.muted[tab.ID] = muted
	return ErrMuteUnsupported
}

func (b *BrowserTabOpener) Muted(_ context.Context, tab Tab) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.muted[tab.ID]
	if !ok {
		return false, ErrUnknownTab
	}
	return m, nil
}

func (b *BrowserTabOpener) command(url string) (string, []string) {
	if b.Command != "" {
		fields := strings.Fields(b.Command)
		return fields[0], append(fields[1:], url)
	}
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{"-g", url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}

func startDetached(ctx context.Context, name string, args ...string) error {
	//nolint:gosec // G204: the opener is chosen by the operator
	cmd := exec.CommandContext(context.WithoutCancel(ctx), name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("tab opener exited", slog.String("cmd", name), slog.Any("err", err))
		}
	}()
	return nil
}

// NoopTabOpener is used when tabs are disabled. Open fails, so callers skip the tab.
type NoopTabOpener struct{}

// ErrTabsDisabled is returned by NoopTabOpener.Open.
var ErrTabsDisabled = errors.New("tabs disabled")

func (NoopTabOpener) Open(context.Context, string, bool) (Tab, error) { return Tab{}, ErrTabsDisabled }
func (NoopTabOpener) SetMuted(context.Context, Tab, bool) error       { return ErrUnknownTab }
func (NoopTabOpener) Muted(context.Context, Tab) (bool, error)        { return false, ErrUnknownTab }
