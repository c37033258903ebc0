package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

// CustomerRetriever is the subset of Client used by the extractors, split
// out so tests can stub the API lookup.
type CustomerRetriever interface {
	RetrieveCustomer(id string) (*stripe.Customer, error)
}

// zeroDecimalCurrencies are charged in whole units rather than cents.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

var currencySymbols = map[string]string{
	"eur": "€",
	"usd": "$",
	"gbp": "£",
	"jpy": "¥",
}

// FormatAmount renders a minor-unit integer amount as the display string
// stored on ledger rows, e.g. FormatAmount(4999, "eur") == "€49.99 EUR".
func FormatAmount(minor int64, currency string) string {
	cur := strings.ToLower(currency)
	symbol := currencySymbols[cur]

	var value string
	if zeroDecimalCurrencies[cur] {
		value = fmt.Sprintf("%d", minor)
	} else {
		value = fmt.Sprintf("%d.%02d", minor/100, minor%100)
	}

	return fmt.Sprintf("%s%s %s", symbol, value, strings.ToUpper(cur))
}

// FromCheckoutSession normalizes a completed checkout session.
func FromCheckoutSession(sess *stripe.CheckoutSession) model.PaymentInfo {
	var info model.PaymentInfo

	email := sess.CustomerEmail
	if email == "" && sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	if email != "" {
		info.BuyerEmail = &email
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Name != "" {
		name := sess.CustomerDetails.Name
		info.BuyerName = &name
	}

	// The payment intent is the canonical transaction id; the session id is
	// only a fallback.
	txID := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		txID = sess.PaymentIntent.ID
	}
	info.TransactionID = &txID

	// != 0 would drop zero-amount transactions (free trials), so only the
	// missing-currency case leaves the amount unset.
	if sess.Currency != "" {
		amount := FormatAmount(sess.AmountTotal, string(sess.Currency))
		info.Amount = &amount
	}

	info.PurchaseType = purchase.Determine(sess.Metadata["product"])
	if info.PurchaseType == purchase.TypeOther {
		desc := sess.Metadata["description"]
		if desc == "" {
			var parts []string
			for _, f := range sess.CustomFields {
				if f.Text != nil {
					parts = append(parts, f.Text.Value)
				}
			}
			desc = strings.Join(parts, " ")
		}
		info.PurchaseType = purchase.Determine(desc)
	}

	info.Platform = model.PlatformSpigot
	return info
}

// FromCharge normalizes a succeeded charge. Stripe Connect payments routed
// through Polymart carry the buyer email inside a "Billing Details" metadata
// JSON blob and may have no payment intent of their own; both quirks are
// handled here. The customer lookup is a last resort and its failure only
// costs us the email.
func FromCharge(charge *stripe.Charge, customers CustomerRetriever) model.PaymentInfo {
	var info model.PaymentInfo

	var email, name string
	if charge.BillingDetails != nil {
		email = charge.BillingDetails.Email
		name = charge.BillingDetails.Name
	}
	if email == "" {
		email = charge.ReceiptEmail
	}

	isPolymart := false
	if raw := charge.Metadata["Billing Details"]; raw != "" {
		isPolymart = true
		var details struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal([]byte(raw), &details); err == nil {
			if email == "" {
				email = details.Email
			}
			if name == "" {
				name = details.Name
			}
		}
	}
	if charge.Metadata["Payment Intent"] != "" {
		isPolymart = true
	}

	if email == "" && charge.Customer != nil && customers != nil {
		if cust, err := customers.RetrieveCustomer(charge.Customer.ID); err == nil && cust != nil {
			email = cust.Email
			if name == "" {
				name = cust.Name
			}
		}
	}

	if email != "" {
		info.BuyerEmail = &email
	}
	if name != "" {
		info.BuyerName = &name
	}

	txID := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		txID = charge.PaymentIntent.ID
	} else if pi := charge.Metadata["Payment Intent"]; pi != "" {
		txID = pi
	}
	info.TransactionID = &txID

	amount := FormatAmount(charge.Amount, string(charge.Currency))
	info.Amount = &amount

	desc := charge.Metadata["product"]
	if desc == "" {
		desc = charge.Description
	}
	info.PurchaseType = purchase.Determine(desc)

	if isPolymart {
		info.Platform = model.PlatformPolymart
	} else {
		info.Platform = model.PlatformSpigot
	}
	return info
}

// FromPaymentIntent normalizes a succeeded payment intent.
func FromPaymentIntent(pi *stripe.PaymentIntent, customers CustomerRetriever) model.PaymentInfo {
	var info model.PaymentInfo

	var email, name string
	if pi.Customer != nil && customers != nil {
		if cust, err := customers.RetrieveCustomer(pi.Customer.ID); err == nil && cust != nil {
			email = cust.Email
			name = cust.Name
		}
	}
	if email == "" {
		email = pi.ReceiptEmail
	}

	if email != "" {
		info.BuyerEmail = &email
	}
	if name != "" {
		info.BuyerName = &name
	}

	txID := pi.ID
	info.TransactionID = &txID

	amount := FormatAmount(pi.Amount, string(pi.Currency))
	info.Amount = &amount

	desc := pi.Metadata["product"]
	if desc == "" {
		desc = pi.Description
	}
	info.PurchaseType = purchase.Determine(desc)

	info.Platform = model.PlatformSpigot
	return info
}
