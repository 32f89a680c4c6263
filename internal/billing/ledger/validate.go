package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/currency"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with billing tags registered:
// iso4217 (known currency code) and invoice_number.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("iso4217", func(fl validator.FieldLevel) bool {
			code := fl.Field().String()
			unit, err := currency.ParseISO(code)
			return err == nil && unit.String() == code
		})
		_ = v.RegisterValidation("invoice_number", func(fl validator.FieldLevel) bool {
			_, _, err := ParseInvoiceNumber(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// ValidateStruct runs struct validation and wraps failures in ErrValidation
// with a field summary.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}

// ValidateNew checks a freshly built entry before it is persisted.
func ValidateNew(e Entry) error {
	if err := ValidateStruct(e); err != nil {
		return err
	}
	if e.Status != StatusPending {
		return fmt.Errorf("%w: new entries start pending", ErrValidation)
	}
	if e.RefundedAmountMinor != 0 || len(e.Refunds) > 0 {
		return fmt.Errorf("%w: new entries carry no refunds", ErrValidation)
	}
	return e.CheckInvariants()
}
