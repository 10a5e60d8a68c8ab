package domain

import (
	"fmt"
	"sort"
	"strings"
)

// symbolSeparators are the separators venues use between base and quote.
const symbolSeparators = "/-_:"

// Symbol is a canonical BASE/QUOTE trading pair.
type Symbol struct {
	Base  string
	Quote string
}

// NewSymbol builds an uppercased Symbol from its parts.
func NewSymbol(base, quote string) Symbol {
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// IsZero reports whether the symbol is unset.
func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == ""
}

// Valid reports whether both legs are present and distinct.
func (s Symbol) Valid() bool {
	return s.Base != "" && s.Quote != "" && s.Base != s.Quote
}

// Concat returns the separator-less venue form, e.g. BTCUSDT.
func (s Symbol) Concat() string {
	return s.Base + s.Quote
}

// Normalize uppercases both legs and maps each through the alias table.
func (s Symbol) Normalize(aliases AliasTable) Symbol {
	n := NewSymbol(s.Base, s.Quote)
	return Symbol{Base: aliases.Canonical(n.Base), Quote: aliases.Canonical(n.Quote)}
}

// MarshalText encodes the symbol as BASE/QUOTE.
func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a BASE/QUOTE (or BASE-QUOTE, BASE_QUOTE) string.
func (s *Symbol) UnmarshalText(text []byte) error {
	parsed, err := ParseSymbol(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSymbol parses a symbol that carries exactly one separator.
func ParseSymbol(raw string) (Symbol, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexAny(raw, symbolSeparators)
	if idx < 0 || strings.IndexAny(raw[idx+1:], symbolSeparators) >= 0 {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	sym := NewSymbol(raw[:idx], raw[idx+1:])
	if !sym.Valid() {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return sym, nil
}

// SplitConcatenated splits a separator-less symbol such as BTCUSDT using the
// given quote assets. Longer quotes are tried first so USDT wins over USD.
func SplitConcatenated(raw string, quotes []string) (Symbol, bool) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	ordered := make([]string, 0, len(quotes))
	for _, q := range quotes {
		if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
			ordered = append(ordered, q)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, q := range ordered {
		if len(upper) > len(q) && strings.HasSuffix(upper, q) {
			return Symbol{Base: upper[:len(upper)-len(q)], Quote: q}, true
		}
	}
	return Symbol{}, false
}

// NormalizeSymbol accepts either a separated or a concatenated venue symbol
// and returns its canonical form.
func NormalizeSymbol(raw string, quotes []string, aliases AliasTable) (Symbol, error) {
	if strings.ContainsAny(raw, symbolSeparators) {
		sym, err := ParseSymbol(raw)
		if err != nil {
			return Symbol{}, err
		}
		return sym.Normalize(aliases), nil
	}
	sym, ok := SplitConcatenated(raw, quotes)
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %q has no known quote asset", ErrInvalidSymbol, raw)
	}
	return sym.Normalize(aliases), nil
}

// AliasTable maps alternate asset tickers to a single canonical code, e.g.
// XBT -> BTC. Keys and values are uppercase.
type AliasTable map[string]string

// NewAliasTable builds an uppercased alias table.
func NewAliasTable(m map[string]string) AliasTable {
	t := make(AliasTable, len(m))
	for k, v := range m {
		t[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
	}
	return t
}

// Canonical returns the canonical code for asset.
func (t AliasTable) Canonical(asset string) string {
	if c, ok := t[asset]; ok {
		return c
	}
	return asset
}
