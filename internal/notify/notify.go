// Package notify shows transient advisory messages on the caller side.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/protocol"
)

// LongDuration is how long an advisory stays on screen.
const LongDuration = 3500 * time.Millisecond

type Notifier interface {
	Show(ctx context.Context, message string) error
}

// BusNotifier publishes advisories for the caller's UI to render.
type BusNotifier struct {
	bus   *bus.Client
	log   *slog.Logger
	clock func() time.Time
}

func NewBusNotifier(busClient *bus.Client, log *slog.Logger) *BusNotifier {
	return &BusNotifier{
		bus:   busClient,
		log:   log.With(slog.String("component", "notifier")),
		clock: time.Now,
	}
}

func (n *BusNotifier) Show(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info("advisory", slog.String("message", message))
	return n.bus.PublishJSON(protocol.SubjectAdvisory, protocol.Advisory{
		Message:    message,
		DurationMS: int(LongDuration / time.Millisecond),
		Timestamp:  n.clock().UTC(),
	})
}

// LogNotifier only logs, for hosts without a UI.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Show(_ context.Context, message string) error {
	n.Log.Info("advisory", slog.String("message", message))
	return nil
}
