package mapping

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"histdata/internal/canon"
)

// Document is the parsed mapping file for one API: a mapping per schema.
type Document struct {
	API     string                `yaml:"api"`
	Schemas map[string]*SchemaMap `yaml:"schemas"`
}

// SchemaMap declares how one vendor record type becomes a canonical record.
type SchemaMap struct {
	SourceModel     string                  `yaml:"source_model"`
	TargetSchema    string                  `yaml:"target_schema"`
	FieldMappings   map[string]*FieldSource `yaml:"field_mappings"`
	TypeConversions map[string]*Conversion  `yaml:"type_conversions"`
	Conditional     []*ConditionalMapping   `yaml:"conditional_mappings"`
	Defaults        map[string]any          `yaml:"defaults"`
	ValidationRules []*RuleDecl             `yaml:"validation_rules"`
}

// FieldSource declares where a target field's value comes from. Exactly one
// of the three must be set; source_field is the common case.
type FieldSource struct {
	SourceField string  `yaml:"source_field"`
	Literal     any     `yaml:"literal"`
	Expression  string  `yaml:"expression"`

	expr *Expr // compiled when Expression is set
}

// Conversion is a per-target-field type coercion.
type Conversion struct {
	To        string `yaml:"to"`         // decimal | int | utc_datetime | symbol
	Precision int    `yaml:"precision"`  // fixed-point input scale for decimal
	TzDefault string `yaml:"tz_default"` // zone assumed for naive datetimes
}

// ConditionalMapping applies partial mappings when its condition matches.
// Conditions are evaluated in declaration order; the first match applies (in
// addition to the base mappings). Drop discards the record instead.
type ConditionalMapping struct {
	When string                  `yaml:"when"`
	Then map[string]*FieldSource `yaml:"then"`
	Drop bool                    `yaml:"drop"`

	when *Expr
}

// RuleDecl is a business-rule declaration consumed by the validator.
type RuleDecl struct {
	Name     string `yaml:"name"`
	Expr     string `yaml:"expr"`
	Severity string `yaml:"severity"` // error | warning | info

	compiled *Expr
}

// Compiled returns the parsed rule expression.
func (r *RuleDecl) Compiled() *Expr { return r.compiled }

// Load parses and validates a mapping document. It fails fast on unknown
// schema names, missing required sections, bad severities, and expressions
// that do not parse.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()

	doc := &Document{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := doc.compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadBytes is Load for in-memory documents (tests, embedded defaults),
// except that unknown keys are ignored rather than rejected.
func LoadBytes(raw []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse mapping document: %w", err)
	}
	if err := doc.compile(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) compile() error {
	if len(d.Schemas) == 0 {
		return fmt.Errorf("mapping document declares no schemas")
	}

	names := make([]string, 0, len(d.Schemas))
	for name := range d.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sm := d.Schemas[name]
		schema, err := canon.ParseSchema(name)
		if err != nil {
			return err
		}
		if sm == nil {
			return fmt.Errorf("schema %s: empty mapping", name)
		}
		if sm.SourceModel == "" {
			return fmt.Errorf("schema %s: missing source_model", name)
		}
		if sm.TargetSchema == "" {
			return fmt.Errorf("schema %s: missing target_schema", name)
		}
		if sm.TargetSchema != schema.Table() {
			return fmt.Errorf("schema %s: target_schema %q does not match table %q",
				name, sm.TargetSchema, schema.Table())
		}
		if len(sm.FieldMappings) == 0 {
			return fmt.Errorf("schema %s: missing field_mappings", name)
		}

		for target, src := range sm.FieldMappings {
			if err := src.compile(); err != nil {
				return fmt.Errorf("schema %s: field %s: %w", name, target, err)
			}
		}
		for field := range sm.TypeConversions {
			if _, ok := sm.FieldMappings[field]; !ok {
				return fmt.Errorf("schema %s: type_conversions references unmapped field %q", name, field)
			}
		}
		for field, conv := range sm.TypeConversions {
			switch conv.To {
			case "decimal", "int", "utc_datetime", "symbol":
			default:
				return fmt.Errorf("schema %s: field %s: unknown conversion %q", name, field, conv.To)
			}
		}
		for i, cm := range sm.Conditional {
			if cm.When == "" {
				return fmt.Errorf("schema %s: conditional_mappings[%d]: missing when", name, i)
			}
			cm.when, err = Compile(cm.When)
			if err != nil {
				return fmt.Errorf("schema %s: conditional_mappings[%d]: %w", name, i, err)
			}
			if !cm.Drop && len(cm.Then) == 0 {
				return fmt.Errorf("schema %s: conditional_mappings[%d]: empty then", name, i)
			}
			for target, src := range cm.Then {
				if err := src.compile(); err != nil {
					return fmt.Errorf("schema %s: conditional_mappings[%d].%s: %w", name, i, target, err)
				}
			}
		}
		seen := map[string]bool{}
		for i, r := range sm.ValidationRules {
			if r.Name == "" {
				return fmt.Errorf("schema %s: validation_rules[%d]: missing name", name, i)
			}
			if seen[r.Name] {
				return fmt.Errorf("schema %s: duplicate rule %q", name, r.Name)
			}
			seen[r.Name] = true
			switch r.Severity {
			case "":
				r.Severity = "error"
			case "error", "warning", "info":
			default:
				return fmt.Errorf("schema %s: rule %s: unknown severity %q", name, r.Name, r.Severity)
			}
			r.compiled, err = Compile(r.Expr)
			if err != nil {
				return fmt.Errorf("schema %s: rule %s: %w", name, r.Name, err)
			}
		}
	}
	return nil
}

func (fs *FieldSource) compile() error {
	set := 0
	if fs.SourceField != "" {
		set++
	}
	if fs.Literal != nil {
		set++
	}
	if fs.Expression != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of source_field, literal, expression must be set")
	}
	if fs.Expression != "" {
		expr, err := Compile(fs.Expression)
		if err != nil {
			return err
		}
		fs.expr = expr
	}
	return nil
}

// SchemaMapFor returns the mapping for a canonical schema.
func (d *Document) SchemaMapFor(schema canon.Schema) (*SchemaMap, error) {
	sm, ok := d.Schemas[string(schema)]
	if !ok {
		return nil, fmt.Errorf("no mapping declared for schema %s", schema)
	}
	return sm, nil
}

// RulesFor returns the declared business rules for a schema; empty when the
// schema has no mapping or no rules.
func (d *Document) RulesFor(schema canon.Schema) []*RuleDecl {
	sm, ok := d.Schemas[string(schema)]
	if !ok {
		return nil
	}
	return sm.ValidationRules
}
