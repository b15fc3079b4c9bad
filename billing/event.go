/*
event.go - Operations events consumed by the rule engine

PURPOSE:
  Events are immutable facts produced by an external import step. The
  engine reads them, never writes them, with one deliberate exception:
  minimum-duration billing temporarily overrides a flight's duration
  during rule evaluation and restores it unconditionally afterwards.

EVENT KINDS:
  EventFlight: a priced flight; rules compute its price from duration
  EventCharge: an already-priced monetary event (bank charge, payment)

SEE ALSO:
  - rule.go: MinimumDurationRule performs the transient override
  - engine.go: links produced entries back to their event
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT - Immutable dated fact
// =============================================================================

type EventKind string

const (
	// EventFlight is the priced kind: rules derive its price.
	EventFlight EventKind = "flight"

	// EventCharge carries its own amount (payments, bank charges).
	EventCharge EventKind = "charge"
)

// Event is a dated operations fact owned by an account.
//
// Only Duration may be mutated, and only transiently by
// MinimumDurationRule; see the restoration invariant there.
type Event struct {
	ID          EventID
	Kind        EventKind
	ReferenceID string    // external member reference, used by the exclusion list
	AccountID   AccountID // empty when the import could not resolve an account
	Date        time.Time

	// Flight attributes
	Aircraft        string          // registration, e.g. "OH-883"
	Duration        decimal.Decimal // minutes, fractional
	Purpose         string          // purpose-of-flight code, e.g. "KOU"
	TransferTow     bool
	SurchargeReason string // non-empty means an invoicing surcharge applies
	Captain         string
	Passengers      string
	Notes           string

	// Charge attributes
	Amount decimal.Decimal // signed; positive = charge, negative = credit

	// Refund linkage: set once an event has been compensated.
	RefundEntryID EntryID

	CreatedAt time.Time
}

// HasBeenRefunded reports whether a compensating entry exists for this event.
func (ev *Event) HasBeenRefunded() bool { return ev.RefundEntryID != "" }

// String renders the event for logs and refund descriptions.
func (ev *Event) String() string {
	switch ev.Kind {
	case EventFlight:
		return fmt.Sprintf("flight %s %s", ev.Aircraft, ev.Date.Format("2006-01-02"))
	default:
		return fmt.Sprintf("charge %s %s", ev.Amount.StringFixed(2), ev.Date.Format("2006-01-02"))
	}
}
