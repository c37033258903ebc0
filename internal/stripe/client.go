package stripe

import (
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// RetrieveCustomer fetches a customer record from the Stripe API. Used as a
// fallback when an event carries no buyer email.
func (c *Client) RetrieveCustomer(id string) (*stripe.Customer, error) {
	cust, err := customer.Get(id, &stripe.CustomerParams{})
	if err != nil {
		return nil, fmt.Errorf("retrieve stripe customer: %w", err)
	}
	return cust, nil
}
