// Package filter decides which captured records are forwarded to the
// delivery pipeline.
//
// A Policy is built once at sink construction and is read-only afterwards,
// so Accept is safe to call concurrently from any number of emitting
// goroutines without locking.
package filter

import (
	"fmt"
	"regexp"

	"chatsink/internal/record"
)

// Set is a pair of regex lists applied to one string dimension of a record.
//
// Semantics:
//   - Include: if non-empty, the value must match at least one pattern.
//   - Exclude: the value must match none of the patterns.
//
// Exclude wins over Include.
type Set struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

func (s Set) empty() bool { return len(s.Include) == 0 && len(s.Exclude) == 0 }

func (s Set) allows(v string) bool {
	for _, re := range s.Exclude {
		if re.MatchString(v) {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, re := range s.Include {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// Policy gates records by severity and by pattern.
type Policy struct {
	MinLevel record.Level

	// Match patterns are tested against the target OR the message; a record
	// passes if any pattern matches either. Empty means no pattern gating.
	Match []*regexp.Regexp

	// Target and Message apply include/exclude sets to their dimension.
	Target  Set
	Message Set

	// FieldKeys gates the whole record on its field names: a record is
	// rejected when any field key hits Exclude, or when Include is set and
	// no field key matches it.
	FieldKeys Set
}

// Compile builds a pattern list from regex source strings.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// CompileSet builds a Set from regex source strings.
func CompileSet(include, exclude []string) (Set, error) {
	inc, err := Compile(include)
	if err != nil {
		return Set{}, err
	}
	exc, err := Compile(exclude)
	if err != nil {
		return Set{}, err
	}
	return Set{Include: inc, Exclude: exc}, nil
}

// Accept reports whether rec passes the policy.
// Pure and deterministic; no side effects.
func (p *Policy) Accept(rec *record.Record) bool {
	if rec.Level < p.MinLevel {
		return false
	}

	if len(p.Match) > 0 {
		hit := false
		for _, re := range p.Match {
			if re.MatchString(rec.Target) || re.MatchString(rec.Message) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	if !p.Target.allows(rec.Target) {
		return false
	}
	if !p.Message.allows(rec.Message) {
		return false
	}

	if !p.FieldKeys.empty() {
		for _, f := range rec.Fields {
			for _, re := range p.FieldKeys.Exclude {
				if re.MatchString(f.Key) {
					return false
				}
			}
		}
		if len(p.FieldKeys.Include) > 0 {
			hit := false
		outer:
			for _, f := range rec.Fields {
				for _, re := range p.FieldKeys.Include {
					if re.MatchString(f.Key) {
						hit = true
						break outer
					}
				}
			}
			if !hit {
				return false
			}
		}
	}

	return true
}
