/**
 * @description
 * Draft validation for the registration form. Struct tags cover the enumerable
 * fields (t-shirt size, collection method); the conditional rules the form
 * carries (guest flags requiring names, child name counts matching exactly)
 * are checked by hand because they depend on sibling fields in ways tags
 * cannot express.
 *
 * All broken rules are collected into a single aggregated ValidationError so
 * one submission round-trip reports everything at once.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: Struct-tag validation, the same
 *   library the rest of the platform uses for form input.
 */

package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alumnihq/reunion-service/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDraft checks a registration draft against every submission rule.
// It returns nil when the draft may be submitted, or a *ValidationError
// listing every broken rule.
func ValidateDraft(draft domain.RegistrationDraft) error {
	var problems []string

	if err := validate.Struct(draft); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	// The attendee must be classified either by batch year or as a current student.
	if !draft.IsCurrentStudent && strings.TrimSpace(draft.SSCYear) == "" {
		problems = append(problems, "ssc_year is required unless registering as a current student")
	}

	if draft.BringingSpouse && strings.TrimSpace(draft.SpouseName) == "" {
		problems = append(problems, "spouse_name is required when bringing_spouse is set")
	}
	if draft.BringingFather && strings.TrimSpace(draft.FatherName) == "" {
		problems = append(problems, "father_name is required when bringing_father is set")
	}
	if draft.BringingMother && strings.TrimSpace(draft.MotherName) == "" {
		problems = append(problems, "mother_name is required when bringing_mother is set")
	}

	if draft.BringingChildren && draft.NumberOfChildren > 0 {
		// Exactly NumberOfChildren non-empty names: fewer means a missing
		// name, extras mean the count and the list disagree. Neither is
		// silently accepted.
		named := 0
		for _, name := range draft.ChildNames {
			if strings.TrimSpace(name) != "" {
				named++
			}
		}
		if named != draft.NumberOfChildren {
			problems = append(problems, fmt.Sprintf("child_names must contain exactly %d non-empty entries, got %d", draft.NumberOfChildren, named))
		}
	}

	if draft.BringingOther {
		if strings.TrimSpace(draft.OtherRelation) == "" {
			problems = append(problems, "other_relation is required when bringing_other is set")
		}
		if strings.TrimSpace(draft.OtherName) == "" {
			problems = append(problems, "other_name is required when bringing_other is set")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidateManualProof checks that a manual payment submission carries one of
// the two accepted proof shapes: self-reported (paid-from number + transaction
// id) or registration-point (verifying operator + secret code or transaction id).
func ValidateManualProof(proof domain.ManualPaymentProof) error {
	selfReported := strings.TrimSpace(proof.PaidFromNumber) != "" && strings.TrimSpace(proof.TransactionID) != ""
	operatorVerified := strings.TrimSpace(proof.VerifiedBy) != "" &&
		(strings.TrimSpace(proof.SecretCode) != "" || strings.TrimSpace(proof.TransactionID) != "")

	if !selfReported && !operatorVerified {
		return &ValidationError{Problems: []string{
			"manual payment requires either paid_from_number with transaction_id, or verified_by with secret_code or transaction_id",
		}}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := snakeCase(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "numeric":
		return field + " must be numeric"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func snakeCase(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && field[i-1] >= 'a' && field[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
