package paypal

import (
	"testing"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

const englishFixture = `Hello,

You received a payment of €49.99 EUR from Jane Doe (jane@example.com).

Purchase Resource: ☄️ Oraxen | Custom items, armors (janedoe_mc

Transaction ID
7AB12345CD678901E

Total €49.99 EUR
`

const frenchFixture = "Bonjour,\r\n\r\nVous avez reçu un paiement de €25,00 EUR de Jean Dupont (jean@exemple.fr).\r\n\r\nPurchase Resource: HackedServer - AntiCheat (jdupont\r\n\r\nNuméro de transaction\r\n9XY98765ZW432109F\r\n\r\nTotal €25,00 EUR\r\n"

const buyerBlockFixture = `Payment received.

*Buyer*
Jane Doe
jane@example.com

Purchase Resource: ☄️ Oraxen (janedoe_mc

*Transaction number*
4GH56789JK012345L

*Total* $19.99 USD
`

const polymartFixture = `You received a payment of $39.99 USD from polybuyer (polybuyer@example.com).

Polymart | ☄️ Oraxen | CraftMaster99 $39.99

Transaction ID
2ZZ11223344556677A
`

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func TestExtractPaymentInfoEnglish(t *testing.T) {
	info := ExtractPaymentInfo(englishFixture)

	if got := strOrEmpty(info.BuyerEmail); got != "jane@example.com" {
		t.Errorf("buyer email = %q, want %q", got, "jane@example.com")
	}
	if got := strOrEmpty(info.BuyerName); got != "Jane Doe" {
		t.Errorf("buyer name = %q, want %q", got, "Jane Doe")
	}
	if got := strOrEmpty(info.TransactionID); got != "7AB12345CD678901E" {
		t.Errorf("transaction id = %q, want %q", got, "7AB12345CD678901E")
	}
	if got := strOrEmpty(info.Amount); got != "€49.99 EUR" {
		t.Errorf("amount = %q, want %q", got, "€49.99 EUR")
	}
	if info.PurchaseType != purchase.TypeOraxen {
		t.Errorf("purchase type = %q, want %q", info.PurchaseType, purchase.TypeOraxen)
	}
	if info.Platform != model.PlatformSpigot {
		t.Errorf("platform = %q, want %q", info.Platform, model.PlatformSpigot)
	}
}

func TestExtractPaymentInfoFrench(t *testing.T) {
	info := ExtractPaymentInfo(frenchFixture)

	if got := strOrEmpty(info.BuyerEmail); got != "jean@exemple.fr" {
		t.Errorf("buyer email = %q, want %q", got, "jean@exemple.fr")
	}
	if got := strOrEmpty(info.BuyerName); got != "Jean Dupont" {
		t.Errorf("buyer name = %q, want %q", got, "Jean Dupont")
	}
	if got := strOrEmpty(info.TransactionID); got != "9XY98765ZW432109F" {
		t.Errorf("transaction id = %q, want %q", got, "9XY98765ZW432109F")
	}
	if got := strOrEmpty(info.Amount); got != "€25,00 EUR" {
		t.Errorf("amount = %q, want %q", got, "€25,00 EUR")
	}
	if info.PurchaseType != purchase.TypeHackedServer {
		t.Errorf("purchase type = %q, want %q", info.PurchaseType, purchase.TypeHackedServer)
	}
}

func TestExtractPaymentInfoBuyerBlock(t *testing.T) {
	info := ExtractPaymentInfo(buyerBlockFixture)

	if got := strOrEmpty(info.BuyerEmail); got != "jane@example.com" {
		t.Errorf("buyer email = %q, want %q", got, "jane@example.com")
	}
	if got := strOrEmpty(info.BuyerName); got != "Jane Doe" {
		t.Errorf("buyer name = %q, want %q", got, "Jane Doe")
	}
	if got := strOrEmpty(info.TransactionID); got != "4GH56789JK012345L" {
		t.Errorf("transaction id = %q, want %q", got, "4GH56789JK012345L")
	}
	// No inline amount; falls back to the Total line.
	if got := strOrEmpty(info.Amount); got != "$19.99 USD" {
		t.Errorf("amount = %q, want %q", got, "$19.99 USD")
	}
}

func TestExtractPaymentInfoSubtotalFallback(t *testing.T) {
	body := "*Buyer*\nBob\nbob@example.com\n\nTransaction ID\nAAA111BBB222\n\nSubtotal €10.00 EUR\n"
	info := ExtractPaymentInfo(body)

	if got := strOrEmpty(info.Amount); got != "€10.00 EUR" {
		t.Errorf("amount = %q, want %q", got, "€10.00 EUR")
	}
}

func TestExtractPaymentInfoPolymart(t *testing.T) {
	info := ExtractPaymentInfo(polymartFixture)

	if info.Platform != model.PlatformPolymart {
		t.Errorf("platform = %q, want %q", info.Platform, model.PlatformPolymart)
	}
	// Buyer name mirrors the email's local part, so the marketplace
	// username takes over.
	if got := strOrEmpty(info.BuyerName); got != "CraftMaster99" {
		t.Errorf("buyer name = %q, want %q", got, "CraftMaster99")
	}
	if info.PurchaseType != purchase.TypeOraxen {
		t.Errorf("purchase type = %q, want %q", info.PurchaseType, purchase.TypeOraxen)
	}
}

func TestExtractPaymentInfoUsernameFallbackFromParens(t *testing.T) {
	body := "Purchase Resource: ☄️ Oraxen | Custom items (spigotfan42\n\nTransaction ID\nCCC333DDD444\n"
	info := ExtractPaymentInfo(body)

	if got := strOrEmpty(info.BuyerName); got != "spigotfan42" {
		t.Errorf("buyer name = %q, want %q", got, "spigotfan42")
	}
	if info.BuyerEmail != nil {
		t.Errorf("buyer email = %q, want nil", *info.BuyerEmail)
	}
}

func TestExtractPaymentInfoUnparseable(t *testing.T) {
	info := ExtractPaymentInfo("completely unrelated email text")

	if info.BuyerEmail != nil || info.BuyerName != nil || info.TransactionID != nil || info.Amount != nil {
		t.Error("expected all fields nil for unparseable body")
	}
	if info.PurchaseType != purchase.TypeOther {
		t.Errorf("purchase type = %q, want %q", info.PurchaseType, purchase.TypeOther)
	}
	if info.Platform != model.PlatformSpigot {
		t.Errorf("platform = %q, want %q", info.Platform, model.PlatformSpigot)
	}
}

func TestExtractPaymentInfoDeterministic(t *testing.T) {
	first := ExtractPaymentInfo(englishFixture)
	for i := 0; i < 5; i++ {
		again := ExtractPaymentInfo(englishFixture)
		if strOrEmpty(again.BuyerEmail) != strOrEmpty(first.BuyerEmail) ||
			strOrEmpty(again.TransactionID) != strOrEmpty(first.TransactionID) ||
			again.PurchaseType != first.PurchaseType {
			t.Fatal("ExtractPaymentInfo not deterministic")
		}
	}
}

func TestDetectPlatform(t *testing.T) {
	if got := DetectPlatform("Polymart | Product | user"); got != model.PlatformPolymart {
		t.Errorf("platform = %q, want polymart", got)
	}
	if got := DetectPlatform("Purchase Resource: Oraxen (user"); got != model.PlatformSpigot {
		t.Errorf("platform = %q, want spigot", got)
	}
}
