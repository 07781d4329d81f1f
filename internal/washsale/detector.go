// Package washsale classifies ticker pairs as substantially identical and
// clears tax lots against the IRS wash-sale window. Classification is
// deterministic: two tickers are substantially identical iff they are equal
// or belong to the same fund family.
package washsale

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Family is a named set of tickers treated as equivalent for wash-sale
// purposes, plus per-ticker replacement suggestions (different provider,
// similar but not identical index).
type Family struct {
	Name    string   `yaml:"name" json:"name"`
	Tickers []string `yaml:"tickers" json:"tickers"`
}

// Config is the on-disk fund-family mapping. It is static configuration,
// reloadable without code changes.
type Config struct {
	Families     []Family            `yaml:"families"`
	Replacements map[string][]string `yaml:"replacements"`
}

// Detector answers substantially-identical queries and lot clearance.
// Safe for concurrent use; Reload swaps the mapping atomically.
type Detector struct {
	mu           sync.RWMutex
	familyOf     map[string]string
	replacements map[string][]string
}

// NewDetector builds a detector from the given config. A ticker appearing
// in two families is ambiguous membership and is a configuration error,
// fatal at startup.
func NewDetector(cfg Config) (*Detector, error) {
	d := &Detector{}
	if err := d.apply(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadConfig reads a fund-family mapping from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read fund family config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse fund family config: %w", err)
	}
	return cfg, nil
}

// Reload replaces the mapping with a freshly validated one. On error the
// previous mapping stays in effect.
func (d *Detector) Reload(cfg Config) error {
	return d.apply(cfg)
}

func (d *Detector) apply(cfg Config) error {
	familyOf := make(map[string]string)
	for _, fam := range cfg.Families {
		if fam.Name == "" {
			return &ConfigurationError{Reason: "fund family with empty name"}
		}
		for _, ticker := range fam.Tickers {
			if prev, ok := familyOf[ticker]; ok && prev != fam.Name {
				return &ConfigurationError{
					Reason: fmt.Sprintf("ticker %s belongs to both %q and %q", ticker, prev, fam.Name),
				}
			}
			familyOf[ticker] = fam.Name
		}
	}

	replacements := make(map[string][]string, len(cfg.Replacements))
	for ticker, subs := range cfg.Replacements {
		for _, sub := range subs {
			if familyOf[sub] != "" && familyOf[sub] == familyOf[ticker] {
				return &ConfigurationError{
					Reason: fmt.Sprintf("replacement %s for %s is in the same family %q", sub, ticker, familyOf[ticker]),
				}
			}
		}
		replacements[ticker] = append([]string(nil), subs...)
	}

	d.mu.Lock()
	d.familyOf = familyOf
	d.replacements = replacements
	d.mu.Unlock()
	return nil
}

// ConfigurationError reports an invalid fund-family mapping.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "washsale configuration: " + e.Reason
}

// IsSubstantiallyIdentical reports whether the two tickers are equivalent
// for wash-sale purposes. Reflexive and symmetric by construction; tickers
// outside the mapping match only themselves.
func (d *Detector) IsSubstantiallyIdentical(a, b string) bool {
	if a == b {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	famA, okA := d.familyOf[a]
	famB, okB := d.familyOf[b]
	return okA && okB && famA == famB
}

// FamilyOf returns the family name for a ticker, if any.
func (d *Detector) FamilyOf(ticker string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fam, ok := d.familyOf[ticker]
	return fam, ok
}

// Replacements returns the configured non-identical substitutes for a
// ticker, in preference order. Individual stocks have none.
func (d *Detector) Replacements(ticker string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.replacements[ticker]...)
}

// Tickers returns every ticker in the mapping, sorted.
func (d *Detector) Tickers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.familyOf))
	for t := range d.familyOf {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clearance is the outcome of checking one lot against recent purchases.
type Clearance struct {
	Clear bool `json:"clear"`

	// ConflictAsset and ConflictDate identify the purchase that blocked
	// the lot, when Clear is false.
	ConflictAsset string    `json:"conflict_asset,omitempty"`
	ConflictDate  time.Time `json:"conflict_date,omitempty"`

	// Replacement is the first configured substitute, when one exists.
	Replacement string `json:"replacement,omitempty"`
}

// CheckLot clears a prospective sale of the lot's asset against recent
// purchases. The IRS window spans windowDays on each side of the sale date
// (the statutory rule is 30, a 61-day total window); a purchase of a
// substantially identical ticker inside it blocks the loss.
func (d *Detector) CheckLot(asset string, saleDate time.Time, purchases []Purchase, windowDays int) Clearance {
	for _, p := range purchases {
		delta := saleDate.Sub(p.Date)
		if delta < 0 {
			delta = -delta
		}
		if delta > time.Duration(windowDays)*24*time.Hour {
			continue
		}
		if d.IsSubstantiallyIdentical(asset, p.Asset) {
			clearance := Clearance{
				Clear:         false,
				ConflictAsset: p.Asset,
				ConflictDate:  p.Date,
			}
			if subs := d.Replacements(asset); len(subs) > 0 {
				clearance.Replacement = subs[0]
			}
			return clearance
		}
	}
	return Clearance{Clear: true}
}

// Purchase is a historical buy considered by CheckLot.
type Purchase struct {
	Asset string    `json:"asset"`
	Date  time.Time `json:"date"`
}
