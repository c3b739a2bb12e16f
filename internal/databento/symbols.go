package databento

import (
	"fmt"
	"regexp"
	"strings"

	dbn "github.com/NimbleMarkets/dbn-go"
)

// Symbol-type tags accepted in job configs and on the CLI.
const (
	STypeContinuous = "continuous"
	STypeParent     = "parent"
	STypeNative     = "native"
)

// symbolPattern accepts alphanumerics with dot, underscore and dash
// separators. Numeric-only symbols are valid; some venues assign them.
var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// continuousPattern matches roll-rule notation like ES.c.0 or ES.n.1.
var continuousPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[cnv]\.[0-9]+$`)

// parentPattern matches parent groupings like ES.FUT or ES.OPT.
var parentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.(FUT|OPT|MLEG|CMBO)$`)

// ParseSType maps the user-facing symbol-type tag onto the vendor enum.
func ParseSType(s string) (dbn.SType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", STypeNative, "raw", "raw_symbol":
		return dbn.SType_RawSymbol, nil
	case STypeContinuous:
		return dbn.SType_Continuous, nil
	case STypeParent:
		return dbn.SType_Parent, nil
	case "instrument_id":
		return dbn.SType_InstrumentId, nil
	}
	return 0, fmt.Errorf("unknown symbol type %q", s)
}

// ValidateSymbol checks one symbol against its declared type tag.
func ValidateSymbol(symbol string, stype dbn.SType) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("symbol %q contains invalid characters", symbol)
	}
	switch stype {
	case dbn.SType_Continuous:
		if !continuousPattern.MatchString(symbol) {
			return fmt.Errorf("symbol %q is not continuous notation (want e.g. ES.c.0)", symbol)
		}
	case dbn.SType_Parent:
		if !parentPattern.MatchString(symbol) {
			return fmt.Errorf("symbol %q is not parent notation (want e.g. ES.FUT)", symbol)
		}
	}
	return nil
}

// ValidateSymbols checks the whole group and returns every violation, not
// just the first.
func ValidateSymbols(symbols []string, stype dbn.SType) []error {
	var errs []error
	for _, s := range symbols {
		if err := ValidateSymbol(s, stype); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
