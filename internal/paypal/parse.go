// Package paypal parses forwarded PayPal notification emails into normalized
// payment info. PayPal sends these in the seller's locale, so each field is
// tried against an ordered list of French and English phrasings; anything
// that fails to match is simply left unset. The pattern set is a
// fixture-driven contract (see parse_test.go), not a general email grammar.
package paypal

import (
	"regexp"
	"strings"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

var (
	// "paiement de €49,99 EUR de Jean Dupont (jean@example.fr)"
	frenchPattern = regexp.MustCompile(`(?i)paiement de ([€$£]?[\d,.\s]+\w{3})\s+de\s+(.+?)\s*\(([^)]+@[^)]+)\)`)

	// "payment of €49.99 EUR from Jane Doe (jane@example.com)"
	englishPattern = regexp.MustCompile(`(?i)payment of ([€$£]?[\d,.\s]+\w{3})\s+from\s+(.+?)\s*\(([^)]+@[^)]+)\)`)

	// "received a payment of €49.99 EUR from Jane Doe (jane@example.com)"
	receivedPattern = regexp.MustCompile(`(?i)received a payment of ([€$£]?[\d,.\s]+\w{3})\s+from\s+(.+?)\s*\(([^)]+@[^)]+)\)`)

	// Labeled buyer block:
	//   Buyer            Acheteur
	//   Jane Doe         Jean Dupont
	//   jane@example.com jean@example.fr
	buyerSectionPattern = regexp.MustCompile(`(?i)\*?(?:Acheteur|Buyer)\*?\s*\n\s*([^\n]+?)\s*\n\s*([^\s\n]+@[^\s\n]+)`)

	txPattern = regexp.MustCompile(`(?i)\*?(?:Numéro de transaction|Transaction ID|Transaction number)\*?\s*\n\s*([A-Z0-9]+)`)

	totalPattern    = regexp.MustCompile(`(?i)\*?Total\*?\s+([€$£]?[\d,.\s]+\w{3})`)
	subtotalPattern = regexp.MustCompile(`(?i)Subtotal\s+([€$£]?[\d,.\s]+\w{3})`)

	polymartMarkerPattern = regexp.MustCompile(`(?i)polymart\s*\|`)

	// "Polymart | ☄️ Oraxen | USERNAME" followed by a price or end of line
	polymartPipePattern = regexp.MustCompile(`(?i)Polymart\s*\|[^|]+\|\s*([A-Za-z0-9_.-]+)\s*(?:€|\$|£|\n|$)`)

	// "Purchase Resource: ☄️ Oraxen | Custom items (USERNAME"
	parenUsernamePattern = regexp.MustCompile(`(?i)(?:Polymart|Purchase\s+Resource)[^(]+\(([A-Za-z0-9_.-]+)`)
)

// ExtractPaymentInfo parses a raw notification email body. It never fails:
// fields that match no pattern stay nil, and the caller decides whether the
// result is usable.
func ExtractPaymentInfo(body string) model.PaymentInfo {
	text := strings.ReplaceAll(body, "\r\n", "\n")

	info := model.PaymentInfo{
		PurchaseType: purchase.Determine(text),
		Platform:     DetectPlatform(text),
	}

	// Buyer email, name, and amount come from one match when the body uses
	// the inline payment-notice phrasing.
	for _, p := range []*regexp.Regexp{frenchPattern, englishPattern, receivedPattern} {
		if m := p.FindStringSubmatch(text); m != nil {
			info.Amount = trimmed(m[1])
			info.BuyerName = trimmed(m[2])
			info.BuyerEmail = trimmed(m[3])
			break
		}
	}

	if info.BuyerEmail == nil {
		if m := buyerSectionPattern.FindStringSubmatch(text); m != nil {
			info.BuyerName = trimmed(m[1])
			info.BuyerEmail = trimmed(m[2])
		}
	}

	if m := txPattern.FindStringSubmatch(text); m != nil {
		info.TransactionID = trimmed(m[1])
	}

	if info.Amount == nil {
		if m := totalPattern.FindStringSubmatch(text); m != nil {
			info.Amount = trimmed(m[1])
		}
	}
	if info.Amount == nil {
		if m := subtotalPattern.FindStringSubmatch(text); m != nil {
			info.Amount = trimmed(m[1])
		}
	}

	// PayPal's buyer name is sometimes absent or just the email's local
	// part. The marketplace username embedded in the product description is
	// more useful in that case.
	if username := extractMarketplaceUsername(text); username != "" {
		if info.BuyerName == nil || (info.BuyerEmail != nil && *info.BuyerName == localPart(*info.BuyerEmail)) {
			info.BuyerName = &username
		}
	}

	return info
}

// DetectPlatform distinguishes the two marketplaces a product description
// can come from. Polymart descriptions contain "Polymart |"; everything else
// defaults to spigot.
func DetectPlatform(text string) model.Platform {
	if polymartMarkerPattern.MatchString(text) {
		return model.PlatformPolymart
	}
	return model.PlatformSpigot
}

func extractMarketplaceUsername(text string) string {
	if m := polymartPipePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	if m := parenUsernamePattern.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if !strings.Contains(candidate, "@") && len(candidate) < 50 {
			return candidate
		}
	}

	return ""
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func trimmed(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}
