// Package queryparse turns mutation and insertion literals from request
// strings into typed predicates.
//
// Nucleotide mutation literals look like [segment:]<ref><pos>[<to>], amino
// acid literals like gene:<ref><pos>[<to>] with the gene prefix mandatory,
// and insertion literals like ins_[target:]<pos>:<symbols>. Positions are
// one-based on the wire and zero-based in the parsed predicate.
package queryparse

import (
	"strconv"
	"strings"
)

// ToKind describes what a mutation predicate matches at its position.
type ToKind int

const (
	// AnyMutation matches any mutation row at the position.
	AnyMutation ToKind = iota
	// ToReference matches sequences covered and unmutated at the position.
	ToReference
	// ToBase matches a specific alternate symbol.
	ToBase
)

// Mutation is one parsed mutation predicate. Target is the segment name
// for nucleotide predicates (empty when the literal has no prefix) and the
// gene name for amino acid predicates. Position is zero-based.
type Mutation struct {
	Target   string
	Position int
	To       ToKind
	Base     byte
}

// Insertion is one parsed insertion predicate. Symbols is upper-cased and
// matched as a contiguous infix of the stored insertion.
type Insertion struct {
	Target   string
	Position int
	Symbols  string
}

// ParseNucMutation parses a nucleotide mutation literal. The leading
// reference symbol, if present, is informational and not validated.
func ParseNucMutation(s string) (Mutation, bool) {
	target := ""
	rest := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		target = s[:i]
		rest = s[i+1:]
	}
	return parseBody(target, rest, false)
}

// ParseAAMutation parses an amino acid mutation literal. The gene prefix
// is mandatory; '*' is a permitted reference or alternate symbol.
func ParseAAMutation(s string) (Mutation, bool) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Mutation{}, false
	}
	return parseBody(s[:i], s[i+1:], true)
}

func parseBody(target, rest string, allowStar bool) (Mutation, bool) {
	if rest == "" {
		return Mutation{}, false
	}
	start := 0
	c := rest[0]
	if isAlpha(c) || c == '-' || (allowStar && c == '*') {
		start = 1
	}
	end := start
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == start {
		return Mutation{}, false
	}
	pos, err := strconv.Atoi(rest[start:end])
	if err != nil {
		return Mutation{}, false
	}
	if pos > 0 {
		pos--
	}
	m := Mutation{Target: target, Position: pos, To: AnyMutation}
	if end < len(rest) {
		to := rest[end]
		if to >= 'a' && to <= 'z' {
			to -= 'a' - 'A'
		}
		if to == '.' {
			m.To = ToReference
		} else {
			m.To = ToBase
			m.Base = to
		}
	}
	return m, true
}

// ParseInsertion parses an insertion literal of either arity:
// ins_<pos>:<symbols> or ins_<target>:<pos>:<symbols>.
func ParseInsertion(s string) (Insertion, bool) {
	rest, ok := strings.CutPrefix(s, "ins_")
	if !ok {
		return Insertion{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	switch len(parts) {
	case 2:
		pos, err := strconv.Atoi(parts[0])
		if err != nil {
			return Insertion{}, false
		}
		return Insertion{Position: pos, Symbols: strings.ToUpper(parts[1])}, true
	case 3:
		pos, err := strconv.Atoi(parts[1])
		if err != nil {
			return Insertion{}, false
		}
		return Insertion{Target: parts[0], Position: pos, Symbols: strings.ToUpper(parts[2])}, true
	}
	return Insertion{}, false
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
