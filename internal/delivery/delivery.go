// Package delivery defines the channel delivery collaborator and a notifier
// with a fallback path. Channel connectors themselves live outside this repo.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conductorhq/conductor/pkg/models"
)

// Deliverer sends content to a user over a channel.
type Deliverer interface {
	// Deliver sends text to the user on the given channel. The metadata map
	// carries channel-specific addressing (chat id, thread, etc.).
	Deliver(ctx context.Context, channel models.ChannelType, userID, text string, metadata map[string]any) error
}

// FailureNotice describes a failed run for user notification.
type FailureNotice struct {
	TaskName      string
	Attempts      int
	FailureReason string
	PartialOutput string
}

// Notifier delivers run output with a fallback channel when the primary
// fails. Delivery outcome is independent of run outcome: callers surface
// both separately.
type Notifier struct {
	primary  Deliverer
	fallback Deliverer
	logger   *slog.Logger
}

// NewNotifier creates a notifier. fallback may be nil.
func NewNotifier(primary, fallback Deliverer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default().With("component", "delivery")
	}
	return &Notifier{primary: primary, fallback: fallback, logger: logger}
}

// Deliver sends text via the primary deliverer, falling back on error.
// Returns the primary error only if the fallback also fails (or is absent).
func (n *Notifier) Deliver(ctx context.Context, channel models.ChannelType, userID, text string, metadata map[string]any) error {
	if n.primary == nil {
		return fmt.Errorf("no deliverer configured")
	}

	err := n.primary.Deliver(ctx, channel, userID, text, metadata)
	if err == nil {
		return nil
	}

	if n.fallback == nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	n.logger.Warn("primary delivery failed, using fallback",
		"channel", channel, "user_id", userID, "error", err)

	if fbErr := n.fallback.Deliver(ctx, channel, userID, text, metadata); fbErr != nil {
		return fmt.Errorf("delivery failed (fallback also failed: %v): %w", fbErr, err)
	}
	return nil
}

// LogDeliverer writes deliveries to the log. It stands in when no channel
// connector is wired, so runs never lose their output silently.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d *LogDeliverer) Deliver(ctx context.Context, channel models.ChannelType, userID, text string, metadata map[string]any) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "delivery")
	}
	logger.Info("delivering output", "channel", channel, "user_id", userID, "text", text)
	return nil
}

// NotifyFailure formats and delivers a failure notice so users learn their
// run did not complete.
func (n *Notifier) NotifyFailure(ctx context.Context, channel models.ChannelType, userID string, notice FailureNotice, metadata map[string]any) error {
	text := fmt.Sprintf("Task %q failed after %d attempt(s): %s", notice.TaskName, notice.Attempts, notice.FailureReason)
	if notice.PartialOutput != "" {
		text += "\n\nPartial output:\n" + notice.PartialOutput
	}
	return n.Deliver(ctx, channel, userID, text, metadata)
}
