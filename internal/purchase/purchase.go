package purchase

import "strings"

// Type identifies the product family a payment or license belongs to.
type Type string

const (
	TypeOraxen       Type = "oraxen"
	TypeHackedServer Type = "hackedserver"
	TypeOraxenStudio Type = "oraxen_studio"
	TypeOther        Type = "other"
)

// Valid reports whether t is a known purchase type.
func Valid(t Type) bool {
	switch t {
	case TypeOraxen, TypeHackedServer, TypeOraxenStudio, TypeOther:
		return true
	}
	return false
}

// EligibleForFollowup reports whether purchases of this type get the
// one-week follow-up email.
func (t Type) EligibleForFollowup() bool {
	return t == TypeOraxen || t == TypeHackedServer
}

// Determine maps a free-text product description to a purchase type.
// Matching is case-insensitive substring matching with the most specific
// keyword first; unknown descriptions fall through to TypeOther. The exact
// keyword set is a fixture-driven contract, not a general parser.
func Determine(text string) Type {
	desc := strings.ToLower(text)
	if desc == "" {
		return TypeOther
	}

	for _, entry := range keywords {
		if strings.Contains(desc, entry.keyword) {
			return entry.purchaseType
		}
	}

	return TypeOther
}

type keywordEntry struct {
	keyword      string
	purchaseType Type
}

// Ordered with longer/more-specific keywords first for deterministic priority.
var keywords = []keywordEntry{
	{"oraxen studio", TypeOraxenStudio},
	{"hackedserver", TypeHackedServer},
	{"hacked server", TypeHackedServer},
	{"oraxen", TypeOraxen},
}
