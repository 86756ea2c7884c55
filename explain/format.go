package explain

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const noImpact = "No significant impact"

// Formatter turns contribution values into sentences.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter picks number formatting for lang, falling back to English.
func NewFormatter(lang string) *Formatter {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return &Formatter{printer: message.NewPrinter(tag)}
}

func (f *Formatter) Describe(feature string, value float64) string {
	switch {
	case math.Abs(value) < Tolerance:
		return noImpact
	case value > 0:
		return f.printer.Sprintf("Strong positive contribution: +%.2f", value)
	default:
		return f.printer.Sprintf("Reduces price due to %s: %.2f", feature, value)
	}
}

// Impact maps each feature to its sentence.
func (f *Formatter) Impact(attr *Attribution) map[string]string {
	out := make(map[string]string, len(attr.Contributions))
	for _, c := range attr.Contributions {
		out[c.Feature] = f.Describe(c.Feature, c.Value)
	}
	return out
}
