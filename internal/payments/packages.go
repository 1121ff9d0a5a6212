package payments

// TokenPackage is one purchasable bundle of render tokens.
type TokenPackage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tokens     int    `json:"tokens"`
	PriceCents int64  `json:"price_cents"`
}

// Packages is the purchasable catalog, ordered smallest to largest.
var Packages = []TokenPackage{
	{ID: "starter", Name: "Starter", Tokens: 100, PriceCents: 999},
	{ID: "basic", Name: "Basic", Tokens: 500, PriceCents: 3999},
	{ID: "professional", Name: "Professional", Tokens: 2000, PriceCents: 14999},
	{ID: "enterprise", Name: "Enterprise", Tokens: 10000, PriceCents: 49999},
}

// PackageByID looks up a catalog entry. The second return is false for
// unknown ids.
func PackageByID(id string) (TokenPackage, bool) {
	for _, p := range Packages {
		if p.ID == id {
			return p, true
		}
	}
	return TokenPackage{}, false
}
