package backend

import "strings"

// DefaultOptions is the option string new records start with.
const DefaultOptions = "Q"

// Options are parsed execution flags.
//
//	Q  quiet, no per-fit debug logging
//	W  unit weights, empty bins included
//	M  one extra minimiser restart
//
// Unknown letters are kept in Ignored and otherwise have no effect.
type Options struct {
	Quiet       bool
	UnitWeights bool
	Improve     bool
	Ignored     string
}

// ParseOptions parses an option string, case-insensitively.
func ParseOptions(s string) Options {
	var o Options
	var ignored strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch r {
		case 'Q':
			o.Quiet = true
		case 'W':
			o.UnitWeights = true
		case 'M':
			o.Improve = true
		case ' ', ',':
		default:
			ignored.WriteRune(r)
		}
	}
	o.Ignored = ignored.String()
	return o
}

// String renders the options in canonical order.
func (o Options) String() string {
	var b strings.Builder
	if o.Quiet {
		b.WriteByte('Q')
	}
	if o.UnitWeights {
		b.WriteByte('W')
	}
	if o.Improve {
		b.WriteByte('M')
	}
	return b.String()
}
