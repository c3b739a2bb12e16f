// Package validate enforces the domain invariants on canonical records
// before storage. Structural validation already happened when the adapter
// instantiated typed records; this is the business-rule stage. Built-in
// per-schema invariants run first, then any rules the mapping document
// declares for the schema.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/mapping"
)

// Severity grades a rule violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Violation is one failed rule with the value that triggered it.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
}

// Rejection pairs a rejected record with the first error-severity violation
// and the full list of violations found for the record.
type Rejection struct {
	Record     canon.Record
	Rule       string
	Message    string
	Violations []Violation
}

// Validator applies built-in invariants plus mapping-declared rules.
// Strict mode upgrades warnings to errors.
type Validator struct {
	engine *mapping.Engine
	strict bool
	log    *zap.Logger
}

func New(engine *mapping.Engine, strict bool, log *zap.Logger) *Validator {
	return &Validator{engine: engine, strict: strict, log: log.Named("validate")}
}

// Validate splits a batch into accepted and rejected records. Rules run
// left-to-right; the first error-severity failure rejects the record, while
// warning/info findings accumulate onto the accepted record's metadata.
func (v *Validator) Validate(batch []canon.Record, schema canon.Schema) ([]canon.Record, []Rejection) {
	valid := make([]canon.Record, 0, len(batch))
	var rejected []Rejection

	var declared []*mapping.RuleDecl
	if v.engine != nil {
		declared = v.engine.Rules(schema)
	}

	for _, rec := range batch {
		violations := builtinRules(rec)
		violations = append(violations, v.declaredRules(rec, declared)...)

		rejection := false
		var accepted []Violation
		for _, viol := range violations {
			sev := viol.Severity
			if v.strict && sev == SeverityWarning {
				sev = SeverityError
			}
			if sev == SeverityError {
				rejected = append(rejected, Rejection{
					Record:     rec,
					Rule:       viol.Rule,
					Message:    viol.Message,
					Violations: violations,
				})
				rejection = true
				break
			}
			accepted = append(accepted, viol)
		}
		if rejection {
			continue
		}
		for _, viol := range accepted {
			attachWarning(rec, canon.Warning{Rule: viol.Rule, Message: viol.Message})
			if viol.Severity == SeverityWarning {
				v.log.Warn("validation warning",
					zap.String("rule", viol.Rule),
					zap.String("schema", string(schema)),
					zap.Uint32("instrument_id", rec.InstrumentID()),
					zap.String("message", viol.Message))
			}
		}
		valid = append(valid, rec)
	}
	return valid, rejected
}

func (v *Validator) declaredRules(rec canon.Record, rules []*mapping.RuleDecl) []Violation {
	if len(rules) == 0 {
		return nil
	}
	fields := rec.Fields()
	var out []Violation
	for _, rule := range rules {
		res, err := rule.Compiled().Evaluate(fields)
		if err != nil {
			out = append(out, Violation{
				Rule:     rule.Name,
				Severity: SeverityError,
				Message:  "rule evaluation failed: " + err.Error(),
			})
			continue
		}
		// Null is unknown, not a violation; only an explicit false fails.
		if res.IsFalse() {
			out = append(out, Violation{
				Rule:     rule.Name,
				Severity: Severity(rule.Severity),
				Message:  fmt.Sprintf("rule %q failed: %s", rule.Name, rule.Compiled().Source()),
			})
		}
	}
	return out
}

func attachWarning(rec canon.Record, w canon.Warning) {
	switch r := rec.(type) {
	case *canon.Ohlcv:
		r.Warnings = append(r.Warnings, w)
	case *canon.Trade:
		r.Warnings = append(r.Warnings, w)
	case *canon.Tbbo:
		r.Warnings = append(r.Warnings, w)
	case *canon.Stat:
		r.Warnings = append(r.Warnings, w)
	case *canon.Definition:
		r.Warnings = append(r.Warnings, w)
	}
}

// ---------------------------------------------------------------------------
// Built-in invariants
// ---------------------------------------------------------------------------

func builtinRules(rec canon.Record) []Violation {
	var out []Violation

	if rec.TsEvent().IsZero() {
		out = append(out, Violation{
			Rule: "ts_event_present", Severity: SeverityError,
			Message: "ts_event is zero",
		})
	}

	switch r := rec.(type) {
	case *canon.Ohlcv:
		out = append(out, ohlcvRules(r)...)
	case *canon.Trade:
		out = append(out, tradeRules(r)...)
	case *canon.Tbbo:
		out = append(out, tbboRules(r)...)
	case *canon.Stat:
		out = append(out, statRules(r)...)
	case *canon.Definition:
		out = append(out, definitionRules(r)...)
	}
	return out
}

func ohlcvRules(r *canon.Ohlcv) []Violation {
	var out []Violation
	zero := decimal.Zero
	for _, p := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"open_price", r.Open}, {"high_price", r.High}, {"low_price", r.Low}, {"close_price", r.Close},
	} {
		if p.v.Cmp(zero) <= 0 {
			out = append(out, Violation{
				Rule: "positive_prices", Severity: SeverityError,
				Message: fmt.Sprintf("%s=%s is not positive", p.name, p.v),
			})
			return out
		}
	}
	if r.High.Cmp(r.Low) < 0 {
		out = append(out, Violation{
			Rule: "high_ge_low", Severity: SeverityError,
			Message: fmt.Sprintf("high=%s < low=%s", r.High, r.Low),
		})
		return out
	}
	lo := decimal.Min(r.Open, r.Close)
	hi := decimal.Max(r.Open, r.Close)
	if r.Low.Cmp(lo) > 0 || r.High.Cmp(hi) < 0 {
		out = append(out, Violation{
			Rule: "ohlc_ordering", Severity: SeverityError,
			Message: fmt.Sprintf("low=%s open=%s close=%s high=%s violates low <= min(open,close) <= max(open,close) <= high",
				r.Low, r.Open, r.Close, r.High),
		})
	}
	return out
}

func tradeRules(r *canon.Trade) []Violation {
	var out []Violation
	if r.Price.IsNegative() {
		out = append(out, Violation{
			Rule: "non_negative_price", Severity: SeverityError,
			Message: fmt.Sprintf("price=%s is negative", r.Price),
		})
	}
	if r.Size == 0 {
		out = append(out, Violation{
			Rule: "zero_size", Severity: SeverityInfo,
			Message: "trade size is zero",
		})
	}
	return out
}

func tbboRules(r *canon.Tbbo) []Violation {
	var out []Violation
	if r.Price.IsNegative() {
		out = append(out, Violation{
			Rule: "non_negative_price", Severity: SeverityError,
			Message: fmt.Sprintf("price=%s is negative", r.Price),
		})
	}
	if r.BidPx.Valid && r.AskPx.Valid && r.BidPx.Decimal.Cmp(r.AskPx.Decimal) > 0 {
		out = append(out, Violation{
			Rule: "bid_le_ask", Severity: SeverityError,
			Message: fmt.Sprintf("bid_px_00=%s > ask_px_00=%s", r.BidPx.Decimal, r.AskPx.Decimal),
		})
	}
	for _, side := range []struct {
		name string
		px   decimal.NullDecimal
	}{{"bid_px_00", r.BidPx}, {"ask_px_00", r.AskPx}} {
		if side.px.Valid && side.px.Decimal.IsNegative() {
			out = append(out, Violation{
				Rule: "non_negative_price", Severity: SeverityError,
				Message: fmt.Sprintf("%s=%s is negative", side.name, side.px.Decimal),
			})
		}
	}
	return out
}

func statRules(r *canon.Stat) []Violation {
	var out []Violation
	if r.Price.Valid && r.Price.Decimal.IsNegative() {
		// Some venues publish signed statistics (net change); keep the
		// record but flag it.
		out = append(out, Violation{
			Rule: "negative_stat_price", Severity: SeverityInfo,
			Message: fmt.Sprintf("stat_type=%d price=%s is negative", r.StatType, r.Price.Decimal),
		})
	}
	if r.Quantity != nil && *r.Quantity < 0 {
		out = append(out, Violation{
			Rule: "non_negative_quantity", Severity: SeverityError,
			Message: fmt.Sprintf("quantity=%d is negative", *r.Quantity),
		})
	}
	return out
}

func definitionRules(r *canon.Definition) []Violation {
	var out []Violation
	if !r.Expiration.After(r.Activation) {
		out = append(out, Violation{
			Rule: "expiration_after_activation", Severity: SeverityError,
			Message: fmt.Sprintf("expiration=%s <= activation=%s",
				r.Expiration.Format("2006-01-02"), r.Activation.Format("2006-01-02")),
		})
	}
	if r.MinPriceIncrement.Cmp(decimal.Zero) <= 0 {
		out = append(out, Violation{
			Rule: "positive_min_price_increment", Severity: SeverityError,
			Message: fmt.Sprintf("min_price_increment=%s is not positive", r.MinPriceIncrement),
		})
	}
	if r.LegCount < 0 {
		out = append(out, Violation{
			Rule: "non_negative_leg_count", Severity: SeverityError,
			Message: fmt.Sprintf("leg_count=%d is negative", r.LegCount),
		})
	}
	hasLegFields := r.LegIndex != nil || r.LegInstrumentId != nil || r.LegRawSymbol != nil || r.LegSide != nil
	if r.LegCount > 0 && !hasLegFields {
		out = append(out, Violation{
			Rule: "leg_fields_present", Severity: SeverityError,
			Message: fmt.Sprintf("leg_count=%d but no leg fields set", r.LegCount),
		})
	}
	if r.LegCount == 0 && hasLegFields {
		out = append(out, Violation{
			Rule: "leg_fields_absent", Severity: SeverityError,
			Message: "leg fields set but leg_count=0",
		})
	}
	return out
}
