package types

// Supported currencies
const (
	CurrencyEUR = "EUR"
	CurrencyAOA = "AOA"
)

// Pair is a tradable currency pair orientation.
type Pair struct {
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
}

// SupportedPairs enumerates every tradable orientation. Adding a pair is a
// change to this table, not to matching or settlement code.
var SupportedPairs = []Pair{
	{BaseCurrency: CurrencyEUR, QuoteCurrency: CurrencyAOA},
	{BaseCurrency: CurrencyAOA, QuoteCurrency: CurrencyEUR},
}

// IsPairSupported reports whether the base/quote orientation is tradable.
func IsPairSupported(base, quote string) bool {
	for _, p := range SupportedPairs {
		if p.BaseCurrency == base && p.QuoteCurrency == quote {
			return true
		}
	}
	return false
}
