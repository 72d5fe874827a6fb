// Package selector picks the output artifact that represents an analysis
// specification's primary statistical map.
//
// Candidate filenames follow an underscore-joined token grammar:
//
//	<kind>[_desc-<v>][_level-<v>][_corr-<METHOD>][_method-<name>]<table suffix>
//
// A specification is turned into an ordered list of expected targets (see
// Targets); the first target that has a matching candidate wins. Selection
// never depends on the order candidates are supplied in.
package selector

import (
	"sort"

	"github.com/neurosynth/metapub/internal/types"
)

// DefaultBaseKind is the base image kind of the primary statistical map.
const DefaultBaseKind = "z"

// Monte-Carlo cluster-level descriptors, in priority order.
const (
	descMass            = "mass"
	descSize            = "size"
	descSubtractionMass = "group1MinusGroup2Mass"
	descSubtractionSize = "group1MinusGroup2Size"
	methodMonteCarlo    = "montecarlo"
)

type options struct {
	baseKind         string
	table            TableKind
	requireCorrected bool
}

// Option configures a selection.
type Option func(*options)

// WithBaseKind overrides the base image kind (default "z").
func WithBaseKind(kind string) Option {
	return func(o *options) { o.baseKind = kind }
}

// WithTable restricts candidates to one table family (default ClusterTable).
func WithTable(k TableKind) Option {
	return func(o *options) { o.table = k }
}

// RequireCorrected controls the implicit (nil specification) path: when
// false, a bare uncorrected candidate is accepted if no corrected one exists.
// The default is true.
func RequireCorrected(required bool) Option {
	return func(o *options) { o.requireCorrected = required }
}

func resolve(opts []Option) options {
	o := options{baseKind: DefaultBaseKind, table: ClusterTable, requireCorrected: true}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Targets returns the expected target descriptors for spec in priority
// order. A nil spec has no explicit targets; an unusable corrector yields an
// empty list.
func Targets(spec *types.Specification, opts ...Option) []string {
	if spec == nil {
		return nil
	}
	o := resolve(opts)
	kind := o.baseKind

	if spec.Corrector == nil {
		return []string{kind}
	}

	method, hasMethod := spec.Corrector.Method()
	switch spec.Corrector.Kind {
	case types.CorrectorFDR:
		if hasMethod {
			return []string{kind + "_corr-FDR_method-" + method}
		}
		return nil
	case types.CorrectorFWE:
		if hasMethod && method == methodMonteCarlo {
			mass, size := descMass, descSize
			if spec.Subtraction {
				mass, size = descSubtractionMass, descSubtractionSize
			}
			return []string{
				kind + "_desc-" + mass + "_level-cluster_corr-FWE_method-" + methodMonteCarlo,
				kind + "_desc-" + size + "_level-cluster_corr-FWE_method-" + methodMonteCarlo,
			}
		}
		if hasMethod {
			return []string{kind + "_corr-FWE_method-" + method}
		}
		return nil
	}

	if hasMethod {
		return []string{kind + "_corr-FDR_method-" + method}
	}
	return nil
}

// Select returns the candidate that represents spec, or false when nothing
// matches. Filenames outside the grammar are never selected.
func Select(candidates []string, spec *types.Specification, opts ...Option) (string, bool) {
	o := resolve(opts)
	parsed := parseAll(candidates, o.table)
	if len(parsed) == 0 {
		return "", false
	}
	if spec == nil {
		return selectImplicit(parsed, o)
	}

	byTarget := make(map[string][]Parsed, len(parsed))
	for _, p := range parsed {
		byTarget[p.Target] = append(byTarget[p.Target], p)
	}
	for _, target := range Targets(spec, opts...) {
		if matches := byTarget[target]; len(matches) > 0 {
			return matches[0].Path, true
		}
	}
	return "", false
}

// selectImplicit prefers any corrected root-kind candidate and only falls
// back to the bare root when a corrected result is not required.
func selectImplicit(parsed []Parsed, o options) (string, bool) {
	var bare []Parsed
	for _, p := range parsed {
		if p.Kind != o.baseKind {
			continue
		}
		if p.Corrected() {
			return p.Path, true
		}
		if p.Target == o.baseKind {
			bare = append(bare, p)
		}
	}
	if !o.requireCorrected && len(bare) > 0 {
		return bare[0].Path, true
	}
	return "", false
}

// parseAll keeps the grammatical candidates of one table family, sorted by
// target then path so every later scan is order independent.
func parseAll(candidates []string, table TableKind) []Parsed {
	out := make([]Parsed, 0, len(candidates))
	for _, c := range candidates {
		p, ok := Parse(c)
		if !ok || p.Table != table {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Path < out[j].Path
	})
	return out
}
