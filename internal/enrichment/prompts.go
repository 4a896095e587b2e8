package enrichment

import (
	"encoding/json"
	"fmt"
)

const systemPrompt = `You are a research analyst for a private-markets investment club.
Return a single JSON object describing the requested company with these keys:
"name", "summary", "products" (list of {"name","description"}),
"highlights" (list of {"text","link","source","date"}),
"leadership" (list of {"name","title","photo"}),
"funding_rounds" (list of {"date","amount","round","investors"}).
Only include facts you can attribute to a public source. Use full names for
people and direct links for highlights. Do not invent photos or links.`

// userPrompt builds the per-issuer request. Update mode carries the stored
// profile and allows {"no_updates": true} as the reply.
func userPrompt(ticker, mode string, existing map[string]any) (string, error) {
	if mode != ModeUpdate || len(existing) == 0 {
		return fmt.Sprintf("Research the company with identifier %q and return its full profile as JSON.", ticker), nil
	}
	b, err := json.Marshal(existing)
	if err != nil {
		return "", fmt.Errorf("encode existing profile: %w", err)
	}
	return fmt.Sprintf(`Refresh the profile of the company with identifier %q.
Current profile:
%s

Return the complete updated profile as JSON. If nothing material changed,
return exactly {"no_updates": true}.`, ticker, b), nil
}
