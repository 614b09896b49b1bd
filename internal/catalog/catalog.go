package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"call-scorecard-go/internal/types"
)

// Tag categories. Category drives polarity inference and severity handling.
const (
	CategorySales        = "sales"
	CategoryCustomer     = "customer"
	CategoryServiceIssue = "service_issue"
	CategoryProcess      = "process"
)

// DimensionConstraint marks customer tags that describe a buying constraint.
const DimensionConstraint = "constraint"

// SignalDef is an immutable catalog entry for one observable event. Each
// signal aggregates into exactly one tag.
type SignalDef struct {
	Code              string `yaml:"code"`
	Name              string `yaml:"name"`
	Category          string `yaml:"category"`
	Dimension         string `yaml:"dimension"`
	TargetTagCode     string `yaml:"target_tag"`
	AggregationMethod string `yaml:"aggregation"` // count | existence | max
	ScoringLogic      string `yaml:"scoring_logic"`
}

// TagDef is an immutable catalog entry for one scorable attribute.
type TagDef struct {
	Code      string         `yaml:"code"`
	Name      string         `yaml:"name"`
	Category  string         `yaml:"category"`
	Dimension string         `yaml:"dimension"`
	Polarity  types.Polarity `yaml:"polarity"`
	ScoreMin  float64        `yaml:"score_min"`
	ScoreMax  float64        `yaml:"score_max"`
	Mandatory bool           `yaml:"mandatory"`
}

// Range returns the width of the tag's score range, never below 1.
func (t TagDef) Range() float64 {
	r := t.ScoreMax - t.ScoreMin
	if r <= 0 {
		return 1
	}
	return r
}

// Catalog holds the loaded signal and tag definitions plus the signal→tag
// map. Built once per process; read-only afterward.
type Catalog struct {
	signals map[string]SignalDef
	tags    map[string]TagDef
	orphans []string
}

//go:embed seed.yaml
var seedYAML []byte

type catalogFile struct {
	Tags    []TagDef    `yaml:"tags"`
	Signals []SignalDef `yaml:"signals"`
}

// New builds a catalog from explicit definitions. Signals whose target tag
// does not exist are kept out of the lookup map and reported via
// OrphanSignalCodes; a bad seed row must not take the pipeline down.
func New(signals []SignalDef, tags []TagDef) *Catalog {
	c := &Catalog{
		signals: make(map[string]SignalDef, len(signals)),
		tags:    make(map[string]TagDef, len(tags)),
	}
	for _, t := range tags {
		if t.Polarity == "" {
			t.Polarity = InferPolarity(t.Category, t.Dimension, t.Code)
		}
		if t.ScoreMin == 0 && t.ScoreMax == 0 {
			t.ScoreMin, t.ScoreMax = 1, 5
		}
		c.tags[t.Code] = t
	}
	for _, s := range signals {
		if _, ok := c.tags[s.TargetTagCode]; !ok {
			c.orphans = append(c.orphans, s.Code)
			continue
		}
		c.signals[s.Code] = s
	}
	sort.Strings(c.orphans)
	return c
}

// Default loads the embedded seed catalog.
func Default() (*Catalog, error) {
	return parse(seedYAML)
}

// LoadFile loads a catalog from a YAML file, replacing the embedded seed.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Tags) == 0 {
		return nil, fmt.Errorf("catalog has no tags")
	}
	return New(f.Signals, f.Tags), nil
}

// Signal returns the definition for a signal code.
func (c *Catalog) Signal(code string) (SignalDef, bool) {
	s, ok := c.signals[code]
	return s, ok
}

// Tag returns the definition for a tag code.
func (c *Catalog) Tag(code string) (TagDef, bool) {
	t, ok := c.tags[code]
	return t, ok
}

// TagForSignal resolves a signal code to its target tag definition.
func (c *Catalog) TagForSignal(code string) (TagDef, bool) {
	s, ok := c.signals[code]
	if !ok {
		return TagDef{}, false
	}
	t, ok := c.tags[s.TargetTagCode]
	return t, ok
}

// Tags returns all tag definitions sorted by code.
func (c *Catalog) Tags() []TagDef {
	out := make([]TagDef, 0, len(c.tags))
	for _, t := range c.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// MandatoryTags returns the mandatory subset, sorted by code.
func (c *Catalog) MandatoryTags() []TagDef {
	var out []TagDef
	for _, t := range c.Tags() {
		if t.Mandatory {
			out = append(out, t)
		}
	}
	return out
}

// OrphanSignalCodes lists signals whose target tag is missing from the
// catalog. Surfaced in batch summaries, never fatal.
func (c *Catalog) OrphanSignalCodes() []string {
	return append([]string(nil), c.orphans...)
}

// InferPolarity applies the fixed seed-time polarity rule: service issues are
// negative, customer constraints are negative, explicit high intent is
// positive, other customer tags are neutral, sales tags are positive.
func InferPolarity(category, dimension, code string) types.Polarity {
	switch {
	case category == CategoryServiceIssue:
		return types.PolarityNegative
	case category == CategoryCustomer && dimension == DimensionConstraint:
		return types.PolarityNegative
	case code == "customer_high_intent":
		return types.PolarityPositive
	case category == CategoryCustomer:
		return types.PolarityNeutral
	case category == CategorySales:
		return types.PolarityPositive
	default:
		return types.PolarityNeutral
	}
}
