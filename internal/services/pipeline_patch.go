package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// fieldChange is one recognized patch field whose value differs from the
// stored deal. old and new are the stringified values recorded in history.
type fieldChange struct {
	column string
	value  any
	old    string
	new    string
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindRequiredText
	kindDealType
	kindStage
	kindDecimal
	kindProbability
	kindThreads
)

// patchFields lists the updatable columns in the order their history rows
// are written. Anything else in a patch is ignored.
var patchFields = []struct {
	column string
	kind   fieldKind
	get    func(*domain.PipelineDeal) any
}{
	{"company_name", kindRequiredText, func(d *domain.PipelineDeal) any { return d.CompanyName }},
	{"deal_type", kindDealType, func(d *domain.PipelineDeal) any { return d.DealType }},
	{"stage", kindStage, func(d *domain.PipelineDeal) any { return d.Stage }},
	{"price_per_share", kindDecimal, func(d *domain.PipelineDeal) any { return d.PricePerShare }},
	{"volume", kindDecimal, func(d *domain.PipelineDeal) any { return d.Volume }},
	{"valuation", kindDecimal, func(d *domain.PipelineDeal) any { return d.Valuation }},
	{"structure", kindText, func(d *domain.PipelineDeal) any { return d.Structure }},
	{"share_class", kindText, func(d *domain.PipelineDeal) any { return d.ShareClass }},
	{"partner_name", kindText, func(d *domain.PipelineDeal) any { return d.PartnerName }},
	{"partner_email", kindText, func(d *domain.PipelineDeal) any { return d.PartnerEmail }},
	{"probability", kindProbability, func(d *domain.PipelineDeal) any { return d.Probability }},
	{"notes", kindText, func(d *domain.PipelineDeal) any { return d.Notes }},
	{"email_threads", kindThreads, func(d *domain.PipelineDeal) any { return d.EmailThreads }},
}

// diffPatch coerces every recognized field in patch and returns those that
// differ from d. Invalid values yield ErrInvalidDeal or ErrInvalidStage.
func diffPatch(d *domain.PipelineDeal, patch map[string]any) ([]fieldChange, error) {
	var out []fieldChange
	for _, f := range patchFields {
		raw, ok := patch[f.column]
		if !ok {
			continue
		}
		val, err := coerceField(f.column, f.kind, raw)
		if err != nil {
			return nil, err
		}
		oldS, newS := stringify(f.get(d)), stringify(val)
		if oldS == newS {
			continue
		}
		out = append(out, fieldChange{column: f.column, value: val, old: oldS, new: newS})
	}
	return out, nil
}

func coerceField(column string, kind fieldKind, raw any) (any, error) {
	invalid := func(why string) error {
		return fmt.Errorf("%w: %s %s", ErrInvalidDeal, column, why)
	}

	switch kind {
	case kindText, kindRequiredText:
		s, ok := asString(raw)
		if !ok {
			return nil, invalid("must be a string")
		}
		s = strings.TrimSpace(s)
		if kind == kindRequiredText && s == "" {
			return nil, invalid("is required")
		}
		return s, nil

	case kindDealType:
		s, ok := asString(raw)
		s = strings.ToLower(strings.TrimSpace(s))
		if !ok || (s != domain.DealTypeBuy && s != domain.DealTypeSell) {
			return nil, invalid("must be buy or sell")
		}
		return s, nil

	case kindStage:
		s, ok := asString(raw)
		st := domain.Stage(strings.TrimSpace(s))
		if !ok || !st.Valid() {
			return nil, ErrInvalidStage
		}
		return st, nil

	case kindDecimal:
		v, ok := asDecimal(raw)
		if !ok {
			return nil, invalid("must be a number or null")
		}
		return v, nil

	case kindProbability:
		n, ok := asInt(raw)
		if !ok || n < 0 || n > 100 {
			return nil, invalid("must be an integer between 0 and 100")
		}
		return n, nil

	case kindThreads:
		v, ok := asStrings(raw)
		if !ok {
			return nil, invalid("must be a list of strings")
		}
		return v, nil
	}
	return nil, invalid("is not supported")
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case domain.Stage:
		return string(t), true
	case nil:
		return "", true
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func asDecimal(v any) (decimal.NullDecimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.NullDecimal{}, true
	case decimal.NullDecimal:
		return t, true
	case decimal.Decimal:
		return decimal.NewNullDecimal(t), true
	case float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(t)), true
	case int:
		return decimal.NewNullDecimal(decimal.NewFromInt(int64(t))), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return decimal.NewNullDecimal(d), err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return decimal.NullDecimal{}, true
		}
		d, err := decimal.NewFromString(s)
		return decimal.NewNullDecimal(d), err == nil
	}
	return decimal.NullDecimal{}, false
}

func asStrings(v any) (datatypes.JSONSlice[string], bool) {
	switch t := v.(type) {
	case nil:
		return datatypes.JSONSlice[string]{}, true
	case []string:
		return datatypes.JSONSlice[string](t), true
	case datatypes.JSONSlice[string]:
		return t, true
	case []any:
		out := make(datatypes.JSONSlice[string], 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// stringify renders a field value the way history stores it. NULL decimals
// and empty lists render as "".
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case domain.Stage:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case decimal.NullDecimal:
		if !t.Valid {
			return ""
		}
		return t.Decimal.String()
	case datatypes.JSONSlice[string]:
		if len(t) == 0 {
			return ""
		}
		b, _ := json.Marshal([]string(t))
		return string(b)
	}
	return fmt.Sprint(v)
}
