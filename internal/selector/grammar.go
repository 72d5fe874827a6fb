package selector

import (
	"path/filepath"
	"strings"
)

// TableKind identifies the table family a candidate file belongs to.
type TableKind int

const (
	// ClusterTable is a per-cluster coordinate table: "<target>_tab-clust.tsv".
	ClusterTable TableKind = iota
	// FocusCounterTable is a diagnostic table:
	// "<target>_diag-FocusCounter_tab-counts.tsv".
	FocusCounterTable
	// JackknifeTable is a diagnostic table:
	// "<target>_diag-Jackknife_tab-counts.tsv".
	JackknifeTable
)

// Suffix returns the bit-exact filename suffix of the table kind.
func (k TableKind) Suffix() string {
	switch k {
	case FocusCounterTable:
		return "_diag-FocusCounter_tab-counts.tsv"
	case JackknifeTable:
		return "_diag-Jackknife_tab-counts.tsv"
	}
	return "_tab-clust.tsv"
}

func (k TableKind) String() string {
	switch k {
	case FocusCounterTable:
		return "FocusCounter"
	case JackknifeTable:
		return "Jackknife"
	}
	return "clust"
}

// tableKinds lists every recognized suffix family.
var tableKinds = []TableKind{ClusterTable, FocusCounterTable, JackknifeTable}

// Token families recognized in a target descriptor.
const (
	tokenDesc   = "desc-"
	tokenCorr   = "corr-"
	tokenMethod = "method-"
	tokenLevel  = "level-"
)

// Parsed is a candidate filename split into its grammar parts.
type Parsed struct {
	Path   string
	Target string    // filename with the table suffix stripped
	Kind   string    // base image kind, e.g. "z"
	Tokens []string  // tokens after the base kind, in order
	Table  TableKind // which suffix family matched
}

// Corrected reports whether the target carries a corr- token.
func (p Parsed) Corrected() bool {
	for _, tok := range p.Tokens {
		if strings.HasPrefix(tok, tokenCorr) {
			return true
		}
	}
	return false
}

// Parse splits a candidate path into its grammar parts. It reports false
// when the filename does not end with a recognized table suffix or contains
// an unknown token family.
func Parse(path string) (Parsed, bool) {
	name := filepath.Base(path)
	for _, k := range tableKinds {
		suffix := k.Suffix()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		target := strings.TrimSuffix(name, suffix)
		parts := strings.Split(target, "_")
		if parts[0] == "" || strings.Contains(parts[0], "-") {
			return Parsed{}, false
		}
		for _, tok := range parts[1:] {
			if !knownToken(tok) {
				return Parsed{}, false
			}
		}
		return Parsed{
			Path:   path,
			Target: target,
			Kind:   parts[0],
			Tokens: parts[1:],
			Table:  k,
		}, true
	}
	return Parsed{}, false
}

func knownToken(tok string) bool {
	for _, prefix := range []string{tokenDesc, tokenCorr, tokenMethod, tokenLevel} {
		if strings.HasPrefix(tok, prefix) && len(tok) > len(prefix) {
			return true
		}
	}
	return false
}
