// Package report renders donation outcomes for donors in their language.
package report

import (
	"donation-service/internal/model"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var supported = []language.Tag{language.English, language.Spanish}

var matcher = language.NewMatcher(supported)

const (
	capturedSubject  = "Thank you for your donation"
	capturedBody     = "Dear %s, we received your donation of %s. Your reference code is %s."
	failedSubject    = "Your donation could not be completed"
	failedBody       = "Dear %s, the payment for your donation of %s was declined: %s. You have not been charged and can try again at any time."
	cancelledSubject = "Your donation was cancelled"
	cancelledBody    = "Dear %s, your donation of %s was cancelled before any payment was made."

	declinedNotice    = "The payment was declined. Please try again or use a different payment method."
	unavailableNotice = "We could not reach the payment provider. You have not been charged. Please try again in a few minutes."
	approvedNotice    = "Thank you, %s! Your donation of %s was received. Reference: %s"
	processingNotice  = "Your payment is still being processed. We will send your receipt as soon as it is confirmed."
	problemNotice     = "Something went wrong while preparing your donation. You have not been charged. Please try again."
)

func init() {
	for key, es := range map[string]string{
		capturedSubject:   "Gracias por tu donación",
		capturedBody:      "Hola %s, recibimos tu donación de %s. Tu código de referencia es %s.",
		failedSubject:     "Tu donación no pudo completarse",
		failedBody:        "Hola %s, el pago de tu donación de %s fue rechazado: %s. No se realizó ningún cobro y puedes intentarlo de nuevo cuando quieras.",
		cancelledSubject:  "Tu donación fue cancelada",
		cancelledBody:     "Hola %s, tu donación de %s fue cancelada antes de realizar cualquier pago.",
		declinedNotice:    "El pago fue rechazado. Inténtalo de nuevo o usa otro medio de pago.",
		unavailableNotice: "No pudimos comunicarnos con la pasarela de pago. No se realizó ningún cobro. Inténtalo de nuevo en unos minutos.",
		approvedNotice:    "¡Gracias, %s! Recibimos tu donación de %s. Referencia: %s",
	} {
		_ = message.SetString(language.Spanish, key, es)
	}
}

// Receipt is the donor-facing view of a settled donation.
type Receipt struct {
	DonationID      string
	ExternalOrderID string
	ReferenceCode   string
	State           model.State
	Amount          decimal.Decimal
	Currency        model.Currency
	DonorName       string
	Email           string
	Lang            string
	Reason          string
}

type Message struct {
	Lang    string
	Subject string
	Body    string
}

// Format renders the receipt message for the donation's final state.
func Format(r Receipt) Message {
	tag := Language(r.Lang)
	p := message.NewPrinter(tag)
	amount := FormatAmount(tag, r.Amount, r.Currency)

	msg := Message{Lang: tag.String()}
	switch r.State {
	case model.StateCaptured:
		msg.Subject = p.Sprintf(capturedSubject)
		msg.Body = p.Sprintf(capturedBody, r.DonorName, amount, r.ReferenceCode)
	case model.StateFailed:
		msg.Subject = p.Sprintf(failedSubject)
		msg.Body = p.Sprintf(failedBody, r.DonorName, amount, r.Reason)
	default:
		msg.Subject = p.Sprintf(cancelledSubject)
		msg.Body = p.Sprintf(cancelledBody, r.DonorName, amount)
	}
	return msg
}

// Approved is the confirmation shown right after a successful capture.
func Approved(lang, donorName string, amount decimal.Decimal, cur model.Currency, referenceCode string) string {
	tag := Language(lang)
	return message.NewPrinter(tag).Sprintf(approvedNotice, donorName, FormatAmount(tag, amount, cur), referenceCode)
}

// Declined is shown when the gateway refused the payment.
func Declined(lang string) string {
	return message.NewPrinter(Language(lang)).Sprintf(declinedNotice)
}

// Unavailable is shown when the gateway could not be reached. It must not
// suggest that a charge was attempted.
func Unavailable(lang string) string {
	return message.NewPrinter(Language(lang)).Sprintf(unavailableNotice)
}

func Processing(lang string) string {
	return message.NewPrinter(Language(lang)).Sprintf(processingNotice)
}

// Problem is shown when the donation could not be set up with the gateway.
func Problem(lang string) string {
	return message.NewPrinter(Language(lang)).Sprintf(problemNotice)
}

// Language picks the closest supported language, English by default.
func Language(lang string) language.Tag {
	_, i, _ := matcher.Match(language.Make(lang))
	return supported[i]
}

// FormatAmount renders an amount with two decimals and the ISO currency code
// using the separators of tag.
func FormatAmount(tag language.Tag, amount decimal.Decimal, cur model.Currency) string {
	p := message.NewPrinter(tag)
	unit, err := currency.ParseISO(string(cur))
	if err != nil {
		return p.Sprintf("%v %s", number.Decimal(amount.InexactFloat64(), number.Scale(2)), cur)
	}
	return p.Sprintf("%v %s", number.Decimal(amount.InexactFloat64(), number.Scale(2)), unit.String())
}
