/**
 * @description
 * Pricing resolver: looks up an event's fee schedule in the store and degrades
 * to a hard-coded default table when the lookup fails. The registration form
 * must stay usable even when the pricing backend is down, so a failed fetch is
 * logged and silently replaced by defaults. No retry is attempted.
 */

package pricing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/domain"
	"github.com/alumnihq/reunion-service/internal/store"
)

// Pricing sources reported alongside a resolved table, so callers (and the
// client UI) can tell a stored schedule from the fallback.
const (
	SourceStore   = "store"
	SourceDefault = "default"
)

// Store is the slice of the repository the resolver needs.
type Store interface {
	GetPricingTable(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, error)
}

// Resolver resolves an event's pricing table, falling back to defaults.
type Resolver struct {
	store    Store
	defaults domain.PricingTable
}

// NewResolver creates a resolver backed by the given store with the given
// fallback table.
func NewResolver(s Store, defaults domain.PricingTable) *Resolver {
	return &Resolver{store: s, defaults: defaults}
}

// Resolve returns the event's pricing table and its source. Any store failure,
// whether an unreachable database or a missing schedule row, degrades to the
// default table rather than surfacing an error; the caller always gets a
// usable table.
func (r *Resolver) Resolve(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, string) {
	table, err := r.store.GetPricingTable(ctx, eventID)
	if err != nil {
		if !errors.Is(err, store.ErrPricingNotFound) {
			log.Printf("level=warn component=pricing msg=\"pricing fetch failed; using defaults\" event_id=%s err=%v", eventID, err)
		}
		fallback := r.defaults
		fallback.EventID = eventID
		return &fallback, SourceDefault
	}
	return table, SourceStore
}

// DefaultTable builds the documented fallback fee schedule. Zero deadlines
// are replaced with a far-future early-bird deadline so the fallback always
// quotes the early-bird rate; a real schedule should be loaded before the
// deadline split matters.
func DefaultTable(regularEarlyBird, regularLateOwl, youngAlumni, familyAndChildren int64, earlyBirdDeadline, lateOwlDeadline time.Time) domain.PricingTable {
	if earlyBirdDeadline.IsZero() {
		earlyBirdDeadline = time.Now().AddDate(1, 0, 0)
	}
	if lateOwlDeadline.IsZero() || lateOwlDeadline.Before(earlyBirdDeadline) {
		lateOwlDeadline = earlyBirdDeadline.AddDate(0, 1, 0)
	}
	return domain.PricingTable{
		RegularEarlyBird:                regularEarlyBird,
		RegularLateOwl:                  regularLateOwl,
		YoungAlumni:                     youngAlumni,
		YoungAlumniDiscountEnabled:      false,
		FamilyAndChildren:               familyAndChildren,
		EarlyBirdDeadline:               earlyBirdDeadline,
		LateOwlDeadline:                 lateOwlDeadline,
		CurrentStudentAttendanceEnabled: false,
	}
}
