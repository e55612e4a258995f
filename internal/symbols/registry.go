package symbols

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Symbol is the canonical market identity shared by every venue.
type Symbol struct {
	CanonicalID     string `yaml:"id"`
	Base            string `yaml:"base"`
	Quote           string `yaml:"quote"`
	DisplayName     string `yaml:"display_name"`
	CurrencyName    string `yaml:"currency_name"`
	PricePrecision  int    `yaml:"price_precision"`
	AmountPrecision int    `yaml:"amount_precision"`
}

// Alias binds a venue-native symbol (or numeric pair id) to a canonical pair.
type Alias struct {
	Native string
	Pair   string
}

type marketEntry struct {
	Symbol  `yaml:",inline"`
	Enabled bool              `yaml:"enabled"`
	Aliases map[string]string `yaml:"aliases"`
}

type marketsFile struct {
	Markets []marketEntry `yaml:"markets"`
}

// Registry resolves venue-native symbols to canonical pairs and carries the
// display metadata stamped onto outgoing quotes. It is immutable after Load,
// so all reads are lock free.
type Registry struct {
	byPair      map[string]Symbol
	byNative    map[string]map[string]string // exchange -> native -> pair
	perExchange map[string][]Alias
}

// Load reads the markets metadata file. Duplicate native symbols for one
// exchange violate injectivity and are a fatal configuration error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets %s: %w", path, err)
	}

	var file marketsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse markets %s: %w", path, err)
	}

	r := &Registry{
		byPair:      make(map[string]Symbol),
		byNative:    make(map[string]map[string]string),
		perExchange: make(map[string][]Alias),
	}

	for _, m := range file.Markets {
		if !m.Enabled {
			continue
		}
		id := strings.ToUpper(m.CanonicalID)
		if id == "" {
			if m.Base == "" || m.Quote == "" {
				return nil, fmt.Errorf("market without id or base/quote in %s", path)
			}
			id = strings.ToUpper(m.Base) + "/" + strings.ToUpper(m.Quote)
		}
		if _, dup := r.byPair[id]; dup {
			return nil, fmt.Errorf("duplicate market %s", id)
		}
		sym := m.Symbol
		sym.CanonicalID = id
		sym.Base = strings.ToUpper(sym.Base)
		sym.Quote = strings.ToUpper(sym.Quote)
		if sym.DisplayName == "" {
			sym.DisplayName = id
		}
		r.byPair[id] = sym

		for exchange, native := range m.Aliases {
			exchange = strings.ToLower(exchange)
			if native == "" {
				continue
			}
			natives, ok := r.byNative[exchange]
			if !ok {
				natives = make(map[string]string)
				r.byNative[exchange] = natives
			}
			if prev, clash := natives[native]; clash {
				return nil, fmt.Errorf("exchange %s alias %s maps to both %s and %s", exchange, native, prev, id)
			}
			natives[native] = id
			r.perExchange[exchange] = append(r.perExchange[exchange], Alias{Native: native, Pair: id})
		}
	}

	if len(r.byPair) == 0 {
		return nil, fmt.Errorf("no enabled markets in %s", path)
	}

	for exchange := range r.perExchange {
		aliases := r.perExchange[exchange]
		sort.Slice(aliases, func(i, j int) bool { return aliases[i].Pair < aliases[j].Pair })
	}

	return r, nil
}

// Canonicalize maps an exchange-native symbol to its canonical pair.
func (r *Registry) Canonicalize(exchange, native string) (string, bool) {
	natives, ok := r.byNative[strings.ToLower(exchange)]
	if !ok {
		return "", false
	}
	pair, ok := natives[native]
	return pair, ok
}

// Describe returns the metadata of a canonical pair.
func (r *Registry) Describe(pair string) (Symbol, bool) {
	s, ok := r.byPair[strings.ToUpper(pair)]
	return s, ok
}

// ForExchange lists the (native, pair) subscription set of one venue.
func (r *Registry) ForExchange(exchange string) []Alias {
	aliases := r.perExchange[strings.ToLower(exchange)]
	out := make([]Alias, len(aliases))
	copy(out, aliases)
	return out
}

// Pairs lists all canonical pairs.
func (r *Registry) Pairs() []string {
	out := make([]string, 0, len(r.byPair))
	for id := range r.byPair {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CurrencyNames maps base asset codes to human names, as the HTTP API and
// dashboard expect alongside price payloads.
func (r *Registry) CurrencyNames() map[string]string {
	out := make(map[string]string, len(r.byPair))
	for _, s := range r.byPair {
		if s.CurrencyName != "" {
			out[s.Base] = s.CurrencyName
		}
	}
	return out
}
