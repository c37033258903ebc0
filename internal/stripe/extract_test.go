package stripe

import (
	"errors"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

type fakeRetriever struct {
	customers map[string]*stripe.Customer
}

func (f *fakeRetriever) RetrieveCustomer(id string) (*stripe.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, errors.New("no such customer")
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{4999, "eur", "€49.99 EUR"},
		{1000, "usd", "$10.00 USD"},
		{999, "gbp", "£9.99 GBP"},
		{500, "jpy", "¥500 JPY"},
		{0, "eur", "€0.00 EUR"},
		{2500, "sek", "25.00 SEK"},
	}

	for _, tt := range tests {
		if got := FormatAmount(tt.minor, tt.currency); got != tt.want {
			t.Errorf("FormatAmount(%d, %q) = %q, want %q", tt.minor, tt.currency, got, tt.want)
		}
	}
}

func TestFromCheckoutSession(t *testing.T) {
	sess := &stripe.CheckoutSession{
		ID:          "cs_test_123",
		AmountTotal: 4999,
		Currency:    "eur",
		PaymentIntent: &stripe.PaymentIntent{
			ID: "pi_3ABC123",
		},
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "jane@example.com",
			Name:  "Jane Doe",
		},
		Metadata: map[string]string{"product": "Oraxen"},
	}

	info := FromCheckoutSession(sess)

	if info.BuyerEmail == nil || *info.BuyerEmail != "jane@example.com" {
		t.Errorf("buyer email = %v, want jane@example.com", info.BuyerEmail)
	}
	if info.TransactionID == nil || *info.TransactionID != "pi_3ABC123" {
		t.Errorf("transaction id = %v, want pi_3ABC123", info.TransactionID)
	}
	if info.Amount == nil || *info.Amount != "€49.99 EUR" {
		t.Errorf("amount = %v, want €49.99 EUR", info.Amount)
	}
	if info.PurchaseType != purchase.TypeOraxen {
		t.Errorf("purchase type = %q, want oraxen", info.PurchaseType)
	}
}

func TestFromCheckoutSessionFallsBackToSessionID(t *testing.T) {
	sess := &stripe.CheckoutSession{
		ID:          "cs_test_456",
		AmountTotal: 0,
		Currency:    "usd",
	}

	info := FromCheckoutSession(sess)

	if info.TransactionID == nil || *info.TransactionID != "cs_test_456" {
		t.Errorf("transaction id = %v, want cs_test_456", info.TransactionID)
	}
	// Zero-amount sessions still get a formatted amount.
	if info.Amount == nil || *info.Amount != "$0.00 USD" {
		t.Errorf("amount = %v, want $0.00 USD", info.Amount)
	}
	if info.PurchaseType != purchase.TypeOther {
		t.Errorf("purchase type = %q, want other", info.PurchaseType)
	}
}

func TestFromChargePolymartMetadata(t *testing.T) {
	charge := &stripe.Charge{
		ID:       "ch_test_1",
		Amount:   3999,
		Currency: "usd",
		Metadata: map[string]string{
			"Billing Details": `{"email":"poly@example.com","name":"Poly Buyer"}`,
			"Payment Intent":  "pi_connect_789",
		},
		Description: "Polymart | Oraxen | someone",
	}

	info := FromCharge(charge, nil)

	if info.BuyerEmail == nil || *info.BuyerEmail != "poly@example.com" {
		t.Errorf("buyer email = %v, want poly@example.com", info.BuyerEmail)
	}
	if info.BuyerName == nil || *info.BuyerName != "Poly Buyer" {
		t.Errorf("buyer name = %v, want Poly Buyer", info.BuyerName)
	}
	if info.TransactionID == nil || *info.TransactionID != "pi_connect_789" {
		t.Errorf("transaction id = %v, want pi_connect_789", info.TransactionID)
	}
	if info.Platform != model.PlatformPolymart {
		t.Errorf("platform = %q, want polymart", info.Platform)
	}
	if info.PurchaseType != purchase.TypeOraxen {
		t.Errorf("purchase type = %q, want oraxen", info.PurchaseType)
	}
}

func TestFromChargeCustomerLookupFallback(t *testing.T) {
	retriever := &fakeRetriever{customers: map[string]*stripe.Customer{
		"cus_123": {ID: "cus_123", Email: "cust@example.com", Name: "Cust Omer"},
	}}

	charge := &stripe.Charge{
		ID:       "ch_test_2",
		Amount:   2500,
		Currency: "eur",
		Customer: &stripe.Customer{ID: "cus_123"},
		PaymentIntent: &stripe.PaymentIntent{
			ID: "pi_direct_1",
		},
		Description: "HackedServer license",
	}

	info := FromCharge(charge, retriever)

	if info.BuyerEmail == nil || *info.BuyerEmail != "cust@example.com" {
		t.Errorf("buyer email = %v, want cust@example.com", info.BuyerEmail)
	}
	if info.TransactionID == nil || *info.TransactionID != "pi_direct_1" {
		t.Errorf("transaction id = %v, want pi_direct_1", info.TransactionID)
	}
	if info.Platform != model.PlatformSpigot {
		t.Errorf("platform = %q, want spigot", info.Platform)
	}
	if info.PurchaseType != purchase.TypeHackedServer {
		t.Errorf("purchase type = %q, want hackedserver", info.PurchaseType)
	}
}

func TestFromChargeLookupFailureLeavesEmailNil(t *testing.T) {
	charge := &stripe.Charge{
		ID:       "ch_test_3",
		Amount:   1000,
		Currency: "usd",
		Customer: &stripe.Customer{ID: "cus_missing"},
	}

	info := FromCharge(charge, &fakeRetriever{})

	if info.BuyerEmail != nil {
		t.Errorf("buyer email = %v, want nil", info.BuyerEmail)
	}
	if info.TransactionID == nil || *info.TransactionID != "ch_test_3" {
		t.Errorf("transaction id = %v, want ch_test_3", info.TransactionID)
	}
}

func TestFromPaymentIntent(t *testing.T) {
	retriever := &fakeRetriever{customers: map[string]*stripe.Customer{
		"cus_9": {ID: "cus_9", Email: "pi@example.com", Name: "P. Intent"},
	}}

	pi := &stripe.PaymentIntent{
		ID:       "pi_solo_1",
		Amount:   4999,
		Currency: "eur",
		Customer: &stripe.Customer{ID: "cus_9"},
		Metadata: map[string]string{"product": "oraxen"},
	}

	info := FromPaymentIntent(pi, retriever)

	if info.BuyerEmail == nil || *info.BuyerEmail != "pi@example.com" {
		t.Errorf("buyer email = %v, want pi@example.com", info.BuyerEmail)
	}
	if info.TransactionID == nil || *info.TransactionID != "pi_solo_1" {
		t.Errorf("transaction id = %v, want pi_solo_1", info.TransactionID)
	}
	if info.PurchaseType != purchase.TypeOraxen {
		t.Errorf("purchase type = %q, want oraxen", info.PurchaseType)
	}
}
