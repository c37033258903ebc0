// Package email sends transactional mail through the Postmark HTTP API.
package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/oraxen/licensing/internal/purchase"
)

type Client struct {
	serverToken string
	fromEmail   string
	claimURL    string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient builds a Postmark client. claimURL is the public page buyers
// visit to claim their purchase.
func NewClient(serverToken, fromEmail, claimURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		claimURL:    claimURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type postmarkResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func productName(t purchase.Type) string {
	switch t {
	case purchase.TypeOraxen:
		return "Oraxen"
	case purchase.TypeHackedServer:
		return "HackedServer"
	case purchase.TypeOraxenStudio:
		return "Oraxen Studio"
	default:
		return "your purchase"
	}
}

func greeting(buyerName string) string {
	name := strings.TrimSpace(buyerName)
	if name == "" {
		name = "there"
	}
	return name
}

// SendThankYou sends the purchase confirmation with claim instructions and
// returns the Postmark message id.
func (c *Client) SendThankYou(toEmail, buyerName string, purchaseType purchase.Type, amount string) (string, error) {
	product := productName(purchaseType)
	subject := fmt.Sprintf("Thank you for purchasing %s!", product)

	textBody := fmt.Sprintf(
		"Hi %s,\n\nThank you for purchasing %s%s.\n\nYou can claim your license and download access here:\n\n%s\n\nIf you have any questions, just reply to this email.\n\nThe Oraxen team",
		greeting(buyerName), product, amountClause(amount), c.claimURL,
	)
	htmlBody := fmt.Sprintf(
		`<p>Hi %s,</p><p>Thank you for purchasing %s%s.</p><p>You can claim your license and download access here:</p><p><a href="%s">%s</a></p><p>If you have any questions, just reply to this email.</p><p>The Oraxen team</p>`,
		greeting(buyerName), product, amountClause(amount), c.claimURL, c.claimURL,
	)

	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

// SendFollowup sends the one week check-in. For Oraxen buyers the email also
// announces the bundled Oraxen Studio license granted just before sending.
func (c *Client) SendFollowup(toEmail, buyerName string, purchaseType purchase.Type, grantedStudio bool) (string, error) {
	product := productName(purchaseType)
	subject := fmt.Sprintf("How are you getting on with %s?", product)

	var studioText, studioHTML string
	if grantedStudio {
		studioText = fmt.Sprintf("\n\nAs a thank you, we've added a free Oraxen Studio license to your account. It's waiting for you at %s.", c.claimURL)
		studioHTML = fmt.Sprintf(`<p>As a thank you, we've added a free Oraxen Studio license to your account. It's waiting for you at <a href="%s">%s</a>.</p>`, c.claimURL, c.claimURL)
	}

	textBody := fmt.Sprintf(
		"Hi %s,\n\nIt's been a week since you picked up %s. How is it working out for you?\n\nIf anything is unclear or broken, reply to this email and we'll sort it out.%s\n\nThe Oraxen team",
		greeting(buyerName), product, studioText,
	)
	htmlBody := fmt.Sprintf(
		`<p>Hi %s,</p><p>It's been a week since you picked up %s. How is it working out for you?</p><p>If anything is unclear or broken, reply to this email and we'll sort it out.</p>%s<p>The Oraxen team</p>`,
		greeting(buyerName), product, studioHTML,
	)

	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

func amountClause(amount string) string {
	if amount == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", amount)
}

func (c *Client) send(payload postmarkEmail) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("email client not configured: missing server token")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	var pr postmarkResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("postmark API error: status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("decode postmark response: %w", err)
	}
	if resp.StatusCode >= 400 || pr.ErrorCode != 0 {
		return "", fmt.Errorf("postmark API error: status %d code %d: %s", resp.StatusCode, pr.ErrorCode, pr.Message)
	}

	return pr.MessageID, nil
}
