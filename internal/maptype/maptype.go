// Package maptype normalizes statistical map-type labels to the fixed
// vocabulary used by the image archive.
//
// Both directions are supported: a raw label or code is mapped to its
// canonical Code, and a Code (or anything that canonicalizes to one) is
// mapped to its display label. Missing input and unrecognized input are
// reported separately so callers can tell "no map type recorded" apart from
// "map type recorded but not understood".
package maptype

import "strings"

// Code is a canonical map-type code (e.g. "Z", "X2", "Other").
type Code string

// Canonical codes.
const (
	CodeT            Code = "T"
	CodeZ            Code = "Z"
	CodeF            Code = "F"
	CodeChiSquared   Code = "X2"
	CodeP            Code = "P"
	CodeInvertedP    Code = "IP"
	CodeMultivariate Code = "M"
	CodeUnivariate   Code = "U"
	CodeROI          Code = "R"
	CodeParcellation Code = "Pa"
	CodeAnatomical   Code = "A"
	CodeVariance     Code = "V"
	CodeOther        Code = "Other"
	CodeMissing      Code = ""
)

type entry struct {
	code  Code
	label string
}

// table is the bidirectional code/label vocabulary, in display order.
var table = []entry{
	{CodeT, "T map"},
	{CodeZ, "Z map"},
	{CodeF, "F map"},
	{CodeChiSquared, "Chi squared map"},
	{CodeP, "P map (given null hypothesis)"},
	{CodeInvertedP, `1-P map ("inverted" probability)`},
	{CodeMultivariate, "multivariate-beta map"},
	{CodeUnivariate, "univariate-beta map"},
	{CodeROI, "ROI/mask"},
	{CodeParcellation, "parcellation"},
	{CodeAnatomical, "anatomical"},
	{CodeVariance, "variance"},
	{CodeOther, "other"},
}

// aliases maps normalized synonyms to codes. Keys must already be normalized.
var aliases = map[string]Code{
	"t":                                CodeT,
	"t-map":                            CodeT,
	"t-stat":                           CodeT,
	"tstat":                            CodeT,
	"t statistic":                      CodeT,
	"z-map":                            CodeZ,
	"z-score":                          CodeZ,
	"zscore":                           CodeZ,
	"z score":                          CodeZ,
	"zstat":                            CodeZ,
	"z statistic":                      CodeZ,
	"f-map":                            CodeF,
	"f-stat":                           CodeF,
	"chi2":                             CodeChiSquared,
	"chi-2":                            CodeChiSquared,
	"chi-squared":                      CodeChiSquared,
	"chi squared":                      CodeChiSquared,
	"chi-squared map":                  CodeChiSquared,
	"χ2":                               CodeChiSquared,
	"χ²":                               CodeChiSquared,
	"χ2 map":                           CodeChiSquared,
	"χ² map":                           CodeChiSquared,
	"p map":                            CodeP,
	"p-map":                            CodeP,
	"p-value":                          CodeP,
	"pvalue":                           CodeP,
	"p value":                          CodeP,
	"1-p":                              CodeInvertedP,
	"1 - p":                            CodeInvertedP,
	"1-p map":                          CodeInvertedP,
	"1 - p map":                        CodeInvertedP,
	"1-p map (inverted probability)":   CodeInvertedP,
	"1-p map ('inverted' probability)": CodeInvertedP,
	"1-p map (“inverted” probability)": CodeInvertedP,
	"inverted p":                       CodeInvertedP,
	"inverted probability":             CodeInvertedP,
	"multivariate beta map":            CodeMultivariate,
	"multivariate-beta":                CodeMultivariate,
	"beta":                             CodeUnivariate,
	"beta map":                         CodeUnivariate,
	"univariate beta map":              CodeUnivariate,
	"univariate-beta":                  CodeUnivariate,
	"roi":                              CodeROI,
	"mask":                             CodeROI,
	"roi mask":                         CodeROI,
	"parcellation map":                 CodeParcellation,
	"atlas":                            CodeParcellation,
	"anatomical map":                   CodeAnatomical,
	"anat":                             CodeAnatomical,
	"var":                              CodeVariance,
	"variance map":                     CodeVariance,
	"varcope":                          CodeVariance,
}

var (
	byKey  map[string]Code
	byCode map[Code]string
)

func init() {
	byKey = make(map[string]Code, len(table)*2+len(aliases))
	byCode = make(map[Code]string, len(table))
	for _, e := range table {
		byKey[normalize(string(e.code))] = e.code
		byKey[normalize(e.label)] = e.code
		byCode[e.code] = e.label
	}
	for k, c := range aliases {
		byKey[normalize(k)] = c
	}
}

// normalize trims, collapses internal whitespace and case-folds.
func normalize(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

type options struct {
	missing Code
	def     Code
}

// Option customizes the sentinel codes returned by Canonicalize and Label.
type Option func(*options)

// WithMissing sets the code returned for empty or whitespace-only input.
func WithMissing(c Code) Option {
	return func(o *options) { o.missing = c }
}

// WithDefault sets the code returned for present but unrecognized input.
func WithDefault(c Code) Option {
	return func(o *options) { o.def = c }
}

func resolve(opts []Option) options {
	o := options{missing: CodeMissing, def: CodeOther}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Canonicalize maps a raw code, label, or alias to its canonical Code.
func Canonicalize(raw string, opts ...Option) Code {
	o := resolve(opts)
	key := normalize(raw)
	if key == "" {
		return o.missing
	}
	if c, ok := byKey[key]; ok {
		return c
	}
	return o.def
}

// Label returns the display label for raw. Missing input yields the missing
// sentinel's label, which is empty for the default sentinel.
func Label(raw string, opts ...Option) string {
	return byCode[Canonicalize(raw, opts...)]
}

// Lookup reports whether raw is a recognized code, label, or alias.
func Lookup(raw string) (Code, bool) {
	c, ok := byKey[normalize(raw)]
	return c, ok
}

// Codes returns every canonical code mapped to its display label.
func Codes() map[Code]string {
	out := make(map[Code]string, len(byCode))
	for c, l := range byCode {
		out[c] = l
	}
	return out
}

// Ordered returns the canonical codes in display order.
func Ordered() []Code {
	out := make([]Code, 0, len(table))
	for _, e := range table {
		out = append(out, e.code)
	}
	return out
}
