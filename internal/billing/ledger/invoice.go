package ledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	invoicePrefix = "INV"
	dayKeyLayout  = "20060102"
)

var invoiceNumberPattern = regexp.MustCompile(`^INV-(\d{8})-(\d{4,})$`)

// DayKey returns the calendar day bucket of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayKeyLayout)
}

// FormatInvoiceNumber renders INV-<dayKey>-<seq>. Sequences above 9999 widen
// instead of failing.
func FormatInvoiceNumber(dayKey string, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", invoicePrefix, dayKey, seq)
}

// InvoicePrefixForDay returns the prefix shared by all invoice numbers of a day.
func InvoicePrefixForDay(dayKey string) string {
	return invoicePrefix + "-" + dayKey + "-"
}

// ParseInvoiceNumber splits an invoice number into its day key and sequence.
func ParseInvoiceNumber(number string) (string, int64, error) {
	m := invoiceNumberPattern.FindStringSubmatch(strings.TrimSpace(number))
	if m == nil {
		return "", 0, fmt.Errorf("%w: malformed invoice number %q", ErrValidation, number)
	}
	if _, err := time.Parse(dayKeyLayout, m[1]); err != nil {
		return "", 0, fmt.Errorf("%w: invoice day %q", ErrValidation, m[1])
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("%w: invoice sequence %q", ErrValidation, m[2])
	}
	return m[1], seq, nil
}
