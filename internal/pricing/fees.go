/**
 * @description
 * This file contains the fee calculator for reunion registrations. It is a pure
 * function over (draft, pricing table, submission time): no side effects, no
 * clock reads, no I/O. The same inputs always produce the same breakdown, so it
 * is safe to call on every draft mutation for live quoting as well as at
 * payment-initiation time for the authoritative amount.
 *
 * @notes
 * - The early-bird boundary is inclusive: a submission exactly at the deadline
 *   instant still gets the early-bird rate.
 * - Children under five are free and never appear in NumberOfChildren, so the
 *   calculator does not model them at all.
 */

package pricing

import (
	"strconv"
	"strings"
	"time"

	"github.com/alumnihq/reunion-service/internal/domain"
)

// CalculateFees computes the itemized fee breakdown for one draft against one
// pricing table. A nil table yields a zero breakdown; callers must treat a
// zero total from a nil table as "price unresolved" and refuse to initiate
// payment against it.
func CalculateFees(draft domain.RegistrationDraft, table *domain.PricingTable, submittedAt time.Time) domain.FeeBreakdown {
	breakdown := domain.FeeBreakdown{ComputedAt: submittedAt}
	if table == nil {
		return breakdown
	}

	breakdown.RateTier, breakdown.BaseFee = resolveBaseRate(draft, table, submittedAt)

	items := []domain.FeeLine{
		{Description: baseDescription(breakdown.RateTier), Amount: breakdown.BaseFee, Quantity: 1},
	}

	// Each single-guest category contributes at most one unit at the family
	// rate, and only when flagged present with a non-empty name.
	if draft.BringingSpouse && strings.TrimSpace(draft.SpouseName) != "" {
		breakdown.SpouseFee = table.FamilyAndChildren
		items = append(items, domain.FeeLine{Description: "Spouse", Amount: breakdown.SpouseFee, Quantity: 1})
	}
	if draft.BringingFather && strings.TrimSpace(draft.FatherName) != "" {
		breakdown.FatherFee = table.FamilyAndChildren
		items = append(items, domain.FeeLine{Description: "Father", Amount: breakdown.FatherFee, Quantity: 1})
	}
	if draft.BringingMother && strings.TrimSpace(draft.MotherName) != "" {
		breakdown.MotherFee = table.FamilyAndChildren
		items = append(items, domain.FeeLine{Description: "Mother", Amount: breakdown.MotherFee, Quantity: 1})
	}
	if draft.BringingChildren && draft.NumberOfChildren > 0 {
		breakdown.ChildrenFee = table.FamilyAndChildren * int64(draft.NumberOfChildren)
		items = append(items, domain.FeeLine{
			Description: "Children (above 5 years)",
			Amount:      breakdown.ChildrenFee,
			Quantity:    draft.NumberOfChildren,
		})
	}
	if draft.BringingOther && strings.TrimSpace(draft.OtherName) != "" {
		breakdown.OtherGuestFee = table.FamilyAndChildren
		items = append(items, domain.FeeLine{Description: otherGuestDescription(draft), Amount: breakdown.OtherGuestFee, Quantity: 1})
	}

	breakdown.TotalFee = breakdown.BaseFee + breakdown.SpouseFee + breakdown.FatherFee +
		breakdown.MotherFee + breakdown.ChildrenFee + breakdown.OtherGuestFee
	breakdown.Items = items
	return breakdown
}

// resolveBaseRate picks the attendee's base rate and tier.
// Precedence: current student > young alumni > deadline-gated regular rate.
func resolveBaseRate(draft domain.RegistrationDraft, table *domain.PricingTable, submittedAt time.Time) (string, int64) {
	if draft.IsCurrentStudent && table.CurrentStudentAttendanceEnabled {
		return domain.RateTierCurrentStudent, 0
	}

	if table.YoungAlumniDiscountEnabled {
		if year, ok := parseBatchYear(draft.SSCYear); ok &&
			year >= table.YoungAlumniFromYear && year <= table.YoungAlumniToYear {
			return domain.RateTierYoungAlumni, table.YoungAlumni
		}
	}

	// Boundary is inclusive: a submission exactly at the deadline instant
	// counts as early-bird.
	if !submittedAt.After(table.EarlyBirdDeadline) {
		return domain.RateTierEarlyBird, table.RegularEarlyBird
	}
	return domain.RateTierLateOwl, table.RegularLateOwl
}

func parseBatchYear(raw string) (int, bool) {
	year, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return year, true
}

func baseDescription(tier string) string {
	switch tier {
	case domain.RateTierCurrentStudent:
		return "Registration (current student)"
	case domain.RateTierYoungAlumni:
		return "Registration (young alumni)"
	case domain.RateTierLateOwl:
		return "Registration (late owl)"
	default:
		return "Registration (early bird)"
	}
}

func otherGuestDescription(draft domain.RegistrationDraft) string {
	relation := strings.TrimSpace(draft.OtherRelation)
	if relation == "" {
		return "Other guest"
	}
	return "Other guest (" + relation + ")"
}
