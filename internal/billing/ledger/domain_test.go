package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validEntry() Entry {
	now := time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	return Entry{
		InvoiceNumber: "INV-20250131-0001",
		Owner:         OwnerRef{Kind: "user", ID: "u-42"},
		Description:   "Forwarding fee",
		AmountMinor:   10000,
		Currency:      "AED",
		Status:        StatusPending,
		Method:        Method{Type: MethodCard, Brand: "visa", Last4: "4242"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestParseInvoiceNumber(t *testing.T) {
	day, seq, err := ParseInvoiceNumber("INV-20250131-0007")
	require.NoError(t, err)
	require.Equal(t, "20250131", day)
	require.EqualValues(t, 7, seq)

	day, seq, err = ParseInvoiceNumber("INV-20250131-12345")
	require.NoError(t, err)
	require.Equal(t, "20250131", day)
	require.EqualValues(t, 12345, seq)

	for _, bad := range []string{"", "INV-2025013-0001", "INV-20251301-0001", "INV-20250131-0000", "ABC-20250131-0001", "INV-20250131-01"} {
		_, _, err := ParseInvoiceNumber(bad)
		require.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestFormatInvoiceNumberWidensPastFourDigits(t *testing.T) {
	require.Equal(t, "INV-20250131-0001", FormatInvoiceNumber("20250131", 1))
	require.Equal(t, "INV-20250131-9999", FormatInvoiceNumber("20250131", 9999))
	require.Equal(t, "INV-20250131-10000", FormatInvoiceNumber("20250131", 10000))
}

func TestDayKeyUsesLocation(t *testing.T) {
	dubai := time.FixedZone("GST", 4*60*60)
	ts := time.Date(2025, 1, 31, 22, 30, 0, 0, time.UTC)
	require.Equal(t, "20250131", DayKey(ts, time.UTC))
	require.Equal(t, "20250201", DayKey(ts, dubai))
	require.Equal(t, "20250131", DayKey(ts, nil))
}

func TestValidateNew(t *testing.T) {
	require.NoError(t, ValidateNew(validEntry()))

	e := validEntry()
	e.Currency = "aed"
	require.ErrorIs(t, ValidateNew(e), ErrValidation)

	e = validEntry()
	e.Currency = "XYZ"
	require.ErrorIs(t, ValidateNew(e), ErrValidation)

	e = validEntry()
	e.AmountMinor = -1
	require.ErrorIs(t, ValidateNew(e), ErrValidation)

	e = validEntry()
	e.Method = Method{Type: "cash"}
	require.ErrorIs(t, ValidateNew(e), ErrValidation)

	e = validEntry()
	e.Status = StatusSucceeded
	require.ErrorIs(t, ValidateNew(e), ErrValidation)

	e = validEntry()
	e.Owner = OwnerRef{}
	require.ErrorIs(t, ValidateNew(e), ErrValidation)
}

func TestCheckInvariants(t *testing.T) {
	e := validEntry()
	e.RefundedAmountMinor = 100
	e.Refunds = []Refund{{RefundID: "re_1", AmountMinor: 100}}
	require.ErrorIs(t, e.CheckInvariants(), ErrInvariant, "refunds on pending")

	e.Status = StatusSucceeded
	require.NoError(t, e.CheckInvariants())

	e.RefundedAmountMinor = 200
	require.ErrorIs(t, e.CheckInvariants(), ErrInvariant, "refund records must sum up")

	e.RefundedAmountMinor = e.AmountMinor + 1
	e.Refunds = []Refund{{RefundID: "re_1", AmountMinor: e.AmountMinor + 1}}
	require.ErrorIs(t, e.CheckInvariants(), ErrInvariant, "over-refund")
}

func TestEntryCloneIsolatesRefunds(t *testing.T) {
	e := validEntry()
	e.Status = StatusSucceeded
	e.Refunds = []Refund{{RefundID: "re_1", AmountMinor: 10}}
	e.RefundedAmountMinor = 10

	c := e.Clone()
	c.Refunds[0].AmountMinor = 99
	require.EqualValues(t, 10, e.Refunds[0].AmountMinor)
	require.True(t, e.HasRefund("re_1"))
	require.False(t, e.HasRefund(""))
	require.EqualValues(t, 9990, e.RemainingMinor())
}

func TestCorrelationMergeAndMatch(t *testing.T) {
	c := Correlation{SessionID: "cs_1", SessionAttempts: 1}
	c = c.Merge(Correlation{PaymentIntentID: "pi_1", SessionAttempts: 0})
	require.Equal(t, "cs_1", c.SessionID)
	require.Equal(t, "pi_1", c.PaymentIntentID)
	require.Equal(t, 1, c.SessionAttempts)
	require.True(t, c.Matches("pi_1"))
	require.False(t, c.Matches(""))
	require.False(t, c.Matches("ch_1"))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Succeeded ")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, s)

	_, err = ParseStatus("void")
	require.True(t, errors.Is(err, ErrValidation))
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Limit: 0, Offset: -3}.Normalize()
	require.Equal(t, 50, f.Limit)
	require.Equal(t, 0, f.Offset)
	require.Equal(t, 500, Filter{Limit: 10000}.Normalize().Limit)
}
