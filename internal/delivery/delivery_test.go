package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/conductorhq/conductor/pkg/models"
)

type stubDeliverer struct {
	fail  bool
	calls []string
}

func (d *stubDeliverer) Deliver(_ context.Context, _ models.ChannelType, _, text string, _ map[string]any) error {
	d.calls = append(d.calls, text)
	if d.fail {
		return errors.New("connector down")
	}
	return nil
}

func TestNotifierUsesPrimary(t *testing.T) {
	primary := &stubDeliverer{}
	fallback := &stubDeliverer{}
	n := NewNotifier(primary, fallback, slog.Default())

	if err := n.Deliver(context.Background(), models.ChannelTelegram, "u1", "hello", nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(primary.calls) != 1 || len(fallback.calls) != 0 {
		t.Errorf("primary calls = %d, fallback calls = %d", len(primary.calls), len(fallback.calls))
	}
}

func TestNotifierFallsBack(t *testing.T) {
	primary := &stubDeliverer{fail: true}
	fallback := &stubDeliverer{}
	n := NewNotifier(primary, fallback, slog.Default())

	if err := n.Deliver(context.Background(), models.ChannelTelegram, "u1", "hello", nil); err != nil {
		t.Fatalf("deliver with fallback: %v", err)
	}
	if len(fallback.calls) != 1 {
		t.Errorf("fallback calls = %d, want 1", len(fallback.calls))
	}
}

func TestNotifierReportsDoubleFailure(t *testing.T) {
	n := NewNotifier(&stubDeliverer{fail: true}, &stubDeliverer{fail: true}, slog.Default())

	err := n.Deliver(context.Background(), models.ChannelTelegram, "u1", "hello", nil)
	if err == nil {
		t.Fatal("expected error when primary and fallback both fail")
	}
}

func TestNotifierWithoutDeliverer(t *testing.T) {
	n := NewNotifier(nil, nil, slog.Default())
	if err := n.Deliver(context.Background(), models.ChannelWeb, "u1", "x", nil); err == nil {
		t.Fatal("expected error with no deliverer configured")
	}
}

func TestNotifyFailureFormatsNotice(t *testing.T) {
	primary := &stubDeliverer{}
	n := NewNotifier(primary, nil, slog.Default())

	err := n.NotifyFailure(context.Background(), models.ChannelTelegram, "u1", FailureNotice{
		TaskName:      "nightly sync",
		Attempts:      3,
		FailureReason: "step limit reached",
		PartialOutput: "synced 2 of 5",
	}, nil)
	if err != nil {
		t.Fatalf("notify failure: %v", err)
	}

	text := primary.calls[0]
	for _, want := range []string{"nightly sync", "3 attempt", "step limit reached", "synced 2 of 5"} {
		if !strings.Contains(text, want) {
			t.Errorf("notice missing %q: %s", want, text)
		}
	}
}

func TestLogDelivererNeverFails(t *testing.T) {
	d := &LogDeliverer{}
	if err := d.Deliver(context.Background(), models.ChannelInternal, "u1", "output", nil); err != nil {
		t.Fatalf("log deliverer: %v", err)
	}
}
