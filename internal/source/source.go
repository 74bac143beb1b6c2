// Package source defines the event source abstraction and its transports.
// A source delivers change events for a recipient's notifications with
// at-least-once, possibly duplicated, possibly out-of-order semantics; the
// engine's pipeline is built to absorb exactly that.
package source

import (
	"context"

	"github.com/recivo/notifyd/internal/notify"
)

// Source is a live subscription to notification change events.
//
// Subscribe returns the event channel and an unsubscribe function. The
// channel closes when the subscription drops, whether by unsubscribe,
// context cancellation, or transport failure; the reconnection supervisor
// treats a closed channel as a disconnect.
//
// Probe is a lightweight availability check run before committing to a
// full subscription, so a completely unreachable source fails fast
// instead of burning through a slow multi-attempt sequence.
type Source interface {
	Subscribe(ctx context.Context, filter notify.Filter) (<-chan notify.Event, func(), error)
	Probe(ctx context.Context) error
}

// wireEvent is the JSON frame both transports carry.
type wireEvent struct {
	Kind   string         `json:"kind"`
	Record *notify.Record `json:"record"`
}
