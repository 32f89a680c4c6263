package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"time"

	"golang.org/x/text/currency"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/owners"
)

// Enqueuer hands a message to the background queue.
type Enqueuer interface {
	EnqueueMail(ctx context.Context, msg Message) error
}

// Notifier turns billing actions into queued e-mails for the entry owner.
// It satisfies payment.Observer.
type Notifier struct {
	directory owners.Directory
	queue     Enqueuer
	logger    *slog.Logger
	timeout   time.Duration
}

// NewNotifier builds a notifier.
func NewNotifier(directory owners.Directory, queue Enqueuer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{directory: directory, queue: queue, logger: logger, timeout: 5 * time.Second}
}

var subjects = map[string]string{
	audit.ActionChargeCreated:            "Invoice %s",
	audit.ActionPaymentSucceeded:         "Payment received for %s",
	audit.ActionPaymentRefunded:          "Refund issued for %s",
	audit.ActionPaymentPartiallyRefunded: "Partial refund issued for %s",
}

var body = template.Must(template.New("billing").Parse(`<p>Hello {{.Name}},</p>
{{- if eq .Action "charge.created"}}
<p>Invoice {{.Invoice}} for {{.Amount}} has been issued{{if .Description}} for {{.Description}}{{end}}.</p>
{{- if .CheckoutURL}}
<p><a href="{{.CheckoutURL}}">Pay now</a></p>
{{- end}}
{{- else if eq .Action "payment.succeeded"}}
<p>We received your payment of {{.Amount}} for invoice {{.Invoice}}.</p>
{{- if .ReceiptURL}}
<p><a href="{{.ReceiptURL}}">View receipt</a></p>
{{- end}}
{{- else}}
<p>{{.Refunded}} of {{.Amount}} was refunded on invoice {{.Invoice}}.</p>
{{- end}}
`))

type view struct {
	Name        string
	Action      string
	Invoice     string
	Description string
	Amount      string
	Refunded    string
	CheckoutURL string
	ReceiptURL  string
}

// Transitioned enqueues the notification for action, if it has one.
// Failures are logged.
func (n *Notifier) Transitioned(ctx context.Context, entry ledger.Entry, action string) {
	msg, ok, err := n.Compose(ctx, entry, action)
	if err != nil {
		if errors.Is(err, owners.ErrNotFound) {
			n.logger.Debug("no contact for billing notification",
				slog.String("invoice_number", entry.InvoiceNumber), slog.String("owner", entry.Owner.String()))
			return
		}
		n.logger.Warn("compose billing notification", slog.String("invoice_number", entry.InvoiceNumber), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.queue.EnqueueMail(ctx, msg); err != nil {
		n.logger.Error("enqueue billing notification",
			slog.String("invoice_number", entry.InvoiceNumber),
			slog.String("action", action),
			slog.Any("error", err))
	}
}

// Compose renders the message for action. ok is false for actions that do
// not notify.
func (n *Notifier) Compose(ctx context.Context, entry ledger.Entry, action string) (Message, bool, error) {
	subject, ok := subjects[action]
	if !ok {
		return Message{}, false, nil
	}
	contact, err := n.directory.Lookup(ctx, entry.Owner)
	if err != nil {
		return Message{}, false, err
	}
	if contact.Email == "" {
		return Message{}, false, nil
	}
	name := contact.Name
	if name == "" {
		name = contact.Email
	}
	var buf bytes.Buffer
	err = body.Execute(&buf, view{
		Name:        name,
		Action:      action,
		Invoice:     entry.InvoiceNumber,
		Description: entry.Description,
		Amount:      FormatAmount(entry.AmountMinor, entry.Currency),
		Refunded:    FormatAmount(entry.RefundedAmountMinor, entry.Currency),
		CheckoutURL: entry.Correlation.CheckoutURL,
		ReceiptURL:  entry.Correlation.ReceiptURL,
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("mail: render %s: %w", action, err)
	}
	return Message{To: contact.Email, Subject: fmt.Sprintf(subject, entry.InvoiceNumber), HTML: buf.String()}, true, nil
}

// FormatAmount renders minor units in the currency's standard precision,
// e.g. 10000 AED as "AED 100.00".
func FormatAmount(minor int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %d", code, minor)
	}
	scale, _ := currency.Standard.Rounding(unit)
	if scale == 0 {
		return fmt.Sprintf("%s %d", code, minor)
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	div := int64(math.Pow10(scale))
	return fmt.Sprintf("%s %s%d.%0*d", code, sign, minor/div, scale, minor%div)
}
