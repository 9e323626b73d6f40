package intent

import (
	"math"
	"regexp"
	"strings"

	"donation-service/internal/config"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/shopspring/decimal"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// maxAmount is the largest amount whose minor units fit the amount_minor
// column, whatever the configured gateway bounds.
var maxAmount = decimal.New(math.MaxInt64, -2)

// Bounds limits the amount accepted for one gateway. A zero Max means no
// upper bound; amounts must always be positive regardless of Min.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

type Rules map[model.Gateway]Bounds

func RulesFromConfig(cfg config.Gateways) Rules {
	return Rules{
		model.GatewayPayPal: {Min: config.Amount(cfg.PayPal.MinAmount), Max: config.Amount(cfg.PayPal.MaxAmount)},
		model.GatewayEpayco: {Min: config.Amount(cfg.Epayco.MinAmount), Max: config.Amount(cfg.Epayco.MaxAmount)},
	}
}

// Validate checks a donation form and builds the immutable intent. All field
// problems are reported together.
func Validate(form payload.Donation, rules Rules) (model.DonationIntent, error) {
	verr := &ValidationError{}

	firstName := strings.TrimSpace(form.FirstName)
	lastName := strings.TrimSpace(form.LastName)
	email := strings.TrimSpace(form.Email)

	if firstName == "" {
		verr.add("firstName", "is required")
	}
	if lastName == "" {
		verr.add("lastName", "is required")
	}
	if email == "" {
		verr.add("email", "is required")
	} else if !emailPattern.MatchString(email) {
		verr.add("email", "is not a valid email address")
	}

	gateway, err := model.ParseGateway(form.Gateway)
	if err != nil {
		verr.add("gateway", "must be paypal or epayco")
	}

	currency, err := model.ParseCurrency(form.Currency)
	if err != nil {
		verr.add("currency", "must be USD or COP")
	} else if gateway != "" && currency != gateway.Currency() {
		verr.add("currency", "must be "+string(gateway.Currency())+" for "+string(gateway))
	}

	amount := form.Amount
	switch {
	case !amount.IsPositive():
		verr.add("amount", "must be greater than zero")
	case amount.Exponent() < -2 && !amount.Equal(amount.Round(2)):
		verr.add("amount", "must have at most two decimal places")
	case amount.GreaterThan(maxAmount):
		verr.add("amount", "must be at most "+maxAmount.StringFixed(2))
	case gateway != "":
		bounds := rules[gateway]
		if bounds.Min.IsPositive() && amount.LessThan(bounds.Min) {
			verr.add("amount", "must be at least "+bounds.Min.String()+" "+string(gateway.Currency()))
		}
		if bounds.Max.IsPositive() && amount.GreaterThan(bounds.Max) {
			verr.add("amount", "must be at most "+bounds.Max.String()+" "+string(gateway.Currency()))
		}
	}

	if err := verr.orNil(); err != nil {
		return model.DonationIntent{}, err
	}

	country := strings.ToUpper(strings.TrimSpace(form.Country))
	if country == "" {
		country = gateway.Country()
	}
	lang := strings.ToLower(strings.TrimSpace(form.Lang))
	if lang == "" {
		lang = "es"
		if gateway == model.GatewayPayPal {
			lang = "en"
		}
	}

	return model.DonationIntent{
		FirstName:  firstName,
		LastName:   lastName,
		Email:      email,
		Amount:     amount,
		Currency:   currency,
		Gateway:    gateway,
		CampaignID: strings.TrimSpace(form.CampaignID),
		Country:    country,
		Lang:       lang,
	}, nil
}
