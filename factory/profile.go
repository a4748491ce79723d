/*
Package factory provides YAML to Go ingestion-profile conversion.

PURPOSE:
  Alias tables, locale tables, SLA pairs, tier thresholds and alert rules are
  data. A profile YAML document carries all of them; the factory validates it
  and builds the typed configuration each component takes at construction.
  Nothing here reads the environment.

YAML SCHEMA:
  name: cte-default
  fields:
    - field: business_key
      required: true
      aliases: ["CTE", "Nº CT-e"]
  normalizer:
    min_year: 2015
    max_year: 2035
    month_names: {fev: Feb}
  mapper:
    min_contain_len: 3
  stage_pairs:
    - {id: billing_settlement, from: billing, to: settlement, target_days: 30, category: client}
  tiers:
    internal: {excellent: 0.95, good: 0.85, attention: 0.70}
  alerts:
    limit: 10
    rules:
      - {kind: unsettled, type: age, source: billing, cleared_by: settlement_date, threshold_days: 30}
      - {kind: slow_settlement, type: sla_breach, pair: billing_settlement}

VALIDATION:
  - Struct tags (go-playground/validator) for shape and ranges
  - Cross-checks: known fields and stages, a required business_key, unique
    pair ids, ordered tier thresholds, breach rules naming existing pairs

USAGE:
  profile, err := factory.LoadProfile(path) // "" = built-in default
  mapper := profile.Mapper
  engine := profile.AlertEngine()
  pipeline := profile.Pipeline(store, workers, logger)

SEE ALSO:
  - default.go: Built-in Portuguese/English CT-e profile
*/
package factory

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/schema"
)

// ErrInvalidProfile wraps every validation failure.
var ErrInvalidProfile = errors.New("invalid profile")

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// ProfileYAML is the YAML representation of a profile.
type ProfileYAML struct {
	Name       string              `yaml:"name" validate:"required"`
	Fields     []FieldYAML         `yaml:"fields" validate:"required,min=1,dive"`
	Normalizer NormalizerYAML      `yaml:"normalizer,omitempty"`
	Mapper     MapperYAML          `yaml:"mapper,omitempty"`
	StagePairs []StagePairYAML     `yaml:"stage_pairs,omitempty" validate:"dive"`
	Tiers      map[string]TierYAML `yaml:"tiers,omitempty" validate:"dive"`
	Alerts     AlertsYAML          `yaml:"alerts,omitempty"`
}

// FieldYAML binds a canonical field to its aliases.
type FieldYAML struct {
	Field    string   `yaml:"field" validate:"required"`
	Required bool     `yaml:"required,omitempty"`
	Aliases  []string `yaml:"aliases" validate:"required,min=1,dive,required"`
}

// NormalizerYAML overrides normalize.Options. Empty lists keep the defaults.
type NormalizerYAML struct {
	Sentinels        []string          `yaml:"sentinels,omitempty"`
	DateLayouts      []string          `yaml:"date_layouts,omitempty"`
	MonthNames       map[string]string `yaml:"month_names,omitempty"`
	MinYear          int               `yaml:"min_year,omitempty" validate:"omitempty,min=1900,max=2200"`
	MaxYear          int               `yaml:"max_year,omitempty" validate:"omitempty,min=1900,max=2200"`
	ExcelSerialDates *bool             `yaml:"excel_serial_dates,omitempty"`
	NoteMaxRunes     int               `yaml:"note_max_runes,omitempty" validate:"omitempty,min=1"`
}

type MapperYAML struct {
	MinContainLen int `yaml:"min_contain_len,omitempty" validate:"omitempty,min=1"`
}

// StagePairYAML is one measured interval.
type StagePairYAML struct {
	ID         string `yaml:"id" validate:"required"`
	Label      string `yaml:"label,omitempty"`
	From       string `yaml:"from" validate:"required"`
	To         string `yaml:"to" validate:"required,nefield=From"`
	TargetDays int    `yaml:"target_days" validate:"min=0"`
	Category   string `yaml:"category" validate:"required,oneof=internal client"`
}

// TierYAML holds minimum conformance rates.
type TierYAML struct {
	Excellent float64 `yaml:"excellent" validate:"gte=0,lte=1"`
	Good      float64 `yaml:"good" validate:"gte=0,lte=1"`
	Attention float64 `yaml:"attention" validate:"gte=0,lte=1"`
}

type AlertsYAML struct {
	Limit int             `yaml:"limit,omitempty" validate:"omitempty,min=1"`
	Rules []AlertRuleYAML `yaml:"rules,omitempty" validate:"dive"`
}

// AlertRuleYAML is one alert predicate.
type AlertRuleYAML struct {
	Kind          string `yaml:"kind" validate:"required"`
	Label         string `yaml:"label,omitempty"`
	Category      string `yaml:"category,omitempty"`
	Type          string `yaml:"type" validate:"required,oneof=age sla_breach"`
	Source        string `yaml:"source,omitempty" validate:"required_if=Type age"`
	ClearedBy     string `yaml:"cleared_by,omitempty"`
	ThresholdDays int    `yaml:"threshold_days,omitempty" validate:"min=0"`
	Pair          string `yaml:"pair,omitempty" validate:"required_if=Type sla_breach"`
}

// =============================================================================
// PROFILE - Typed result
// =============================================================================

// Profile is the validated, typed configuration.
type Profile struct {
	Name          string
	Fields        []schema.FieldSpec
	Mapper        schema.Mapper
	Normalizer    normalize.Options
	Pairs         []analytics.StagePair
	Tiers         analytics.TierTable
	Rules         []analytics.AlertRule
	OffenderLimit int

	// YAML is the document the profile was built from.
	YAML ProfileYAML
}

// NewNormalizer builds a normalizer from the profile's options.
func (p *Profile) NewNormalizer() *normalize.Normalizer {
	return normalize.New(p.Normalizer)
}

// AlertEngine builds the alert engine for the profile's rules.
func (p *Profile) AlertEngine() analytics.AlertEngine {
	return analytics.AlertEngine{Rules: p.Rules, Pairs: p.Pairs, Limit: p.OffenderLimit}
}

// Pipeline wires an ingestion pipeline over store using the profile's
// fields, mapper and normalizer. workers < 1 means sequential.
func (p *Profile) Pipeline(store record.Store, workers int, logger logrus.FieldLogger) *ingest.Pipeline {
	in := ingest.NewIngestor(p.NewNormalizer(), logger)
	if workers > 1 {
		in.Workers = workers
	}
	pl := ingest.NewPipeline(p.Fields, in, store, logger)
	pl.Mapper = p.Mapper
	return pl
}

// =============================================================================
// FACTORY
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadProfile reads a profile from path; an empty path yields the built-in
// default.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// DefaultProfile parses DefaultProfileYAML.
func DefaultProfile() (*Profile, error) {
	return ParseProfile([]byte(DefaultProfileYAML))
}

// ParseProfile parses and validates a YAML document.
func ParseProfile(data []byte) (*Profile, error) {
	var py ProfileYAML
	if err := yaml.Unmarshal(data, &py); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	return FromYAML(py)
}

// FromYAML validates py and converts it.
func FromYAML(py ProfileYAML) (*Profile, error) {
	if err := validate.Struct(py); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidProfile, describe(verrs))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	p := &Profile{
		Name:          py.Name,
		Mapper:        schema.Mapper{MinContainLen: py.Mapper.MinContainLen},
		OffenderLimit: py.Alerts.Limit,
		YAML:          py,
	}

	var err error
	if p.Fields, err = buildFields(py.Fields); err != nil {
		return nil, err
	}
	if p.Normalizer, err = buildNormalizer(py.Normalizer); err != nil {
		return nil, err
	}
	if p.Pairs, err = buildPairs(py.StagePairs); err != nil {
		return nil, err
	}
	if p.Tiers, err = buildTiers(py.Tiers); err != nil {
		return nil, err
	}
	if p.Rules, err = buildRules(py.Alerts.Rules, p.Pairs); err != nil {
		return nil, err
	}
	return p, nil
}

// Dump renders the profile's source document as YAML.
func (p *Profile) Dump() ([]byte, error) {
	return yaml.Marshal(p.YAML)
}

func buildFields(in []FieldYAML) ([]schema.FieldSpec, error) {
	seen := make(map[record.Field]bool, len(in))
	specs := make([]schema.FieldSpec, 0, len(in))
	keyRequired := false
	for _, fy := range in {
		f := record.Field(fy.Field)
		if !f.IsKnown() {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidProfile, fy.Field)
		}
		if seen[f] {
			return nil, fmt.Errorf("%w: field %q listed twice", ErrInvalidProfile, fy.Field)
		}
		seen[f] = true
		if f == record.FieldBusinessKey && fy.Required {
			keyRequired = true
		}
		specs = append(specs, schema.FieldSpec{Field: f, Aliases: fy.Aliases, Required: fy.Required})
	}
	if !keyRequired {
		return nil, fmt.Errorf("%w: %s must be listed and required", ErrInvalidProfile, record.FieldBusinessKey)
	}
	return specs, nil
}

func buildNormalizer(ny NormalizerYAML) (normalize.Options, error) {
	opts := normalize.DefaultOptions()
	if len(ny.Sentinels) > 0 {
		opts.Sentinels = ny.Sentinels
	}
	if len(ny.DateLayouts) > 0 {
		opts.DateLayouts = ny.DateLayouts
	}
	if len(ny.MonthNames) > 0 {
		for k, v := range ny.MonthNames {
			opts.MonthNames[k] = v
		}
	}
	if ny.MinYear != 0 {
		opts.MinYear = ny.MinYear
	}
	if ny.MaxYear != 0 {
		opts.MaxYear = ny.MaxYear
	}
	if opts.MinYear > opts.MaxYear {
		return opts, fmt.Errorf("%w: min_year %d after max_year %d", ErrInvalidProfile, opts.MinYear, opts.MaxYear)
	}
	if ny.ExcelSerialDates != nil {
		opts.ExcelSerialDates = *ny.ExcelSerialDates
	}
	if ny.NoteMaxRunes != 0 {
		opts.NoteMaxRunes = ny.NoteMaxRunes
	}
	return opts, nil
}

func buildPairs(in []StagePairYAML) ([]analytics.StagePair, error) {
	ids := make(map[string]bool, len(in))
	pairs := make([]analytics.StagePair, 0, len(in))
	for _, py := range in {
		if ids[py.ID] {
			return nil, fmt.Errorf("%w: duplicate stage pair id %q", ErrInvalidProfile, py.ID)
		}
		ids[py.ID] = true

		from, ok := record.ParseStage(py.From)
		if !ok {
			return nil, fmt.Errorf("%w: pair %q: unknown stage %q", ErrInvalidProfile, py.ID, py.From)
		}
		to, ok := record.ParseStage(py.To)
		if !ok {
			return nil, fmt.Errorf("%w: pair %q: unknown stage %q", ErrInvalidProfile, py.ID, py.To)
		}
		label := py.Label
		if label == "" {
			label = from.String() + " -> " + to.String()
		}
		pairs = append(pairs, analytics.StagePair{
			ID:         py.ID,
			Label:      label,
			From:       from,
			To:         to,
			TargetDays: py.TargetDays,
			Category:   analytics.Category(py.Category),
		})
	}
	return pairs, nil
}

func buildTiers(in map[string]TierYAML) (analytics.TierTable, error) {
	tiers := analytics.DefaultTierTable()
	for name, ty := range in {
		c := analytics.Category(name)
		if c != analytics.CategoryInternal && c != analytics.CategoryClient {
			return nil, fmt.Errorf("%w: unknown tier category %q", ErrInvalidProfile, name)
		}
		if !(ty.Excellent >= ty.Good && ty.Good >= ty.Attention) {
			return nil, fmt.Errorf("%w: tier %q thresholds must satisfy excellent >= good >= attention", ErrInvalidProfile, name)
		}
		tiers[c] = analytics.Thresholds{Excellent: ty.Excellent, Good: ty.Good, Attention: ty.Attention}
	}
	return tiers, nil
}

func buildRules(in []AlertRuleYAML, pairs []analytics.StagePair) ([]analytics.AlertRule, error) {
	known := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		known[p.ID] = true
	}
	rules := make([]analytics.AlertRule, 0, len(in))
	for _, ry := range in {
		r := analytics.AlertRule{
			Kind:          ry.Kind,
			Label:         ry.Label,
			Category:      ry.Category,
			Type:          analytics.RuleType(ry.Type),
			ThresholdDays: ry.ThresholdDays,
			Pair:          ry.Pair,
		}
		if r.Label == "" {
			r.Label = r.Kind
		}
		switch r.Type {
		case analytics.RuleAge:
			s, ok := record.ParseStage(ry.Source)
			if !ok {
				return nil, fmt.Errorf("%w: rule %q: unknown stage %q", ErrInvalidProfile, ry.Kind, ry.Source)
			}
			r.Source = s
			if ry.ClearedBy != "" {
				f := record.Field(ry.ClearedBy)
				if !f.IsKnown() {
					return nil, fmt.Errorf("%w: rule %q: unknown cleared_by field %q", ErrInvalidProfile, ry.Kind, ry.ClearedBy)
				}
				r.ClearedBy = f
			}
		case analytics.RuleSLABreach:
			if !known[ry.Pair] {
				return nil, fmt.Errorf("%w: rule %q: unknown stage pair %q", ErrInvalidProfile, ry.Kind, ry.Pair)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// describe flattens validator errors into "field: tag" pairs, sorted.
func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", ve.Namespace(), ve.Tag()))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
