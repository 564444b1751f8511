// Package notify delivers user-facing notifications.
//
// Delivery is fire-and-forget from the engine's point of view: a failed
// send is logged and never fails the operation that produced it.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	TypeShiftMatch   Type = "SHIFT_MATCH"
	TypeShiftStart   Type = "SHIFT_START"
	TypeShiftStarted Type = "SHIFT_STARTED"
	TypeShiftEnd     Type = "SHIFT_END"
	TypeApplication  Type = "APPLICATION_UPDATE"
	TypePayout       Type = "PAYOUT"
	TypeCancellation Type = "CANCELLATION"
	TypeBroadcast    Type = "BROADCAST"
)

type Notification struct {
	RecipientID string
	Type        Type
	Title       string
	Body        string
	RefID       string
	CreatedAt   time.Time
}

type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Dispatch sends every notification, logging failures.
func Dispatch(ctx context.Context, sink Sink, logger zerolog.Logger, ns ...Notification) {
	if sink == nil {
		return
	}
	for _, n := range ns {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		if err := sink.Send(ctx, n); err != nil {
			logger.Warn().Err(err).
				Str("recipient", n.RecipientID).
				Str("type", string(n.Type)).
				Msg("notification not delivered")
		}
	}
}

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes notifications to the log. It is the default sink when no
// delivery channel is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Info().
		Str("recipient", n.RecipientID).
		Str("type", string(n.Type)).
		Str("ref", n.RefID).
		Str("title", n.Title).
		Msg(n.Body)
	return nil
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

func (r *Recorder) For(recipientID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
