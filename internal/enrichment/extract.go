package enrichment

import (
	"encoding/json"
	"strings"
)

// ExtractJSON returns the first JSON object embedded in text. Every '{'
// offset is tried in order and the first one that decodes to an object wins;
// text after the object is ignored.
func ExtractJSON(text string) (map[string]any, bool) {
	for i := 0; i < len(text); i++ {
		j := strings.IndexByte(text[i:], '{')
		if j < 0 {
			break
		}
		i += j

		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}
