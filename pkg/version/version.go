// Package version decides whether a concrete artifact version satisfies a
// declared version constraint.
//
// One matching semantic is used on every call path (install, upgrade,
// rollback). Constraints may be written as:
//
//   - empty, "*" or "latest": any version
//   - an exact version: "1.2.0" (compared semantically, so "1.2" == "1.2.0")
//   - a comparison range: ">=1.2.0", ">=1.0.0 <2.0.0", "^1.2", "~1.4", "1.x"
//   - a bracket interval: "[1.0,2.0)", "(,2.0]", "[1.5]", "[1.0,2.0),[3.0,)"
//
// Versions are parsed with github.com/Masterminds/semver/v3. Pre-release
// versions only satisfy ranges that themselves mention a pre-release.
package version

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Latest is the sentinel used when no version constraint is given.
const Latest = "latest"

// Version is a parsed semantic version.
type Version struct {
	raw string
	v   *mm.Version
}

// Constraint is a parsed version constraint.
type Constraint struct {
	raw   string
	any   bool
	exact *mm.Version
	c     *mm.Constraints
}

// ParseVersion parses a version string such as "1.2.0" or "v2.1".
func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("version: parse version %q: %w", raw, err)
	}
	return Version{raw: raw, v: v}, nil
}

// MustParseVersion is ParseVersion that panics on error.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as originally written.
func (v Version) String() string {
	return v.raw
}

// ParseConstraint parses a constraint expression in any supported form.
func ParseConstraint(raw string) (Constraint, error) {
	trimmed := strings.TrimSpace(raw)
	if IsUnconstrained(trimmed) {
		return Constraint{raw: raw, any: true}, nil
	}

	if isBracketRange(trimmed) {
		expr, err := translateBrackets(trimmed)
		if err != nil {
			return Constraint{}, err
		}
		if v, ok := exactFromBrackets(trimmed); ok {
			return Constraint{raw: raw, exact: v}, nil
		}
		c, err := mm.NewConstraint(expr)
		if err != nil {
			return Constraint{}, fmt.Errorf("version: parse constraint %q: %w", raw, err)
		}
		return Constraint{raw: raw, c: c}, nil
	}

	if !startsWithOperator(trimmed) && !strings.ContainsAny(trimmed, " ,|xX*") {
		if v, err := mm.NewVersion(trimmed); err == nil {
			return Constraint{raw: raw, exact: v}, nil
		}
	}

	c, err := mm.NewConstraint(trimmed)
	if err != nil {
		return Constraint{}, fmt.Errorf("version: parse constraint %q: %w", raw, err)
	}
	return Constraint{raw: raw, c: c}, nil
}

// MustParseConstraint is ParseConstraint that panics on error.
func MustParseConstraint(raw string) Constraint {
	c, err := ParseConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the constraint as originally written.
func (c Constraint) String() string {
	return c.raw
}

// IsExact reports whether the constraint pins a single version.
func (c Constraint) IsExact() bool {
	return c.exact != nil
}

// Check reports whether v satisfies the constraint.
func (c Constraint) Check(v Version) bool {
	switch {
	case c.any:
		return true
	case v.v == nil:
		return false
	case c.exact != nil:
		return c.exact.Equal(v.v)
	case c.c != nil:
		return c.c.Check(v.v)
	default:
		return false
	}
}

// IsUnconstrained reports whether raw places no restriction on the version.
func IsUnconstrained(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "", "*", Latest:
		return true
	}
	return false
}

// Satisfies reports whether installed satisfies constraint.
//
// A non-semantic installed version (for example a build tag) can still
// satisfy an exact constraint written identically; it never satisfies a range.
func Satisfies(installed, constraint string) (bool, error) {
	if IsUnconstrained(constraint) {
		return true, nil
	}

	c, err := ParseConstraint(constraint)
	if err != nil {
		if strings.TrimSpace(installed) == strings.TrimSpace(constraint) {
			return true, nil
		}
		return false, err
	}

	v, err := ParseVersion(installed)
	if err != nil {
		if c.IsExact() && strings.TrimSpace(installed) == strings.TrimSpace(constraint) {
			return true, nil
		}
		return false, err
	}

	return c.Check(v), nil
}

// Compare compares two version strings, returning -1, 0 or 1.
// Unparseable versions sort before parseable ones and compare lexically
// among themselves.
func Compare(a, b string) int {
	va, errA := mm.NewVersion(a)
	vb, errB := mm.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// MaxSatisfying returns the highest candidate that satisfies constraint.
// If several candidates are equal the first one encountered wins.
func MaxSatisfying(constraint string, candidates []string) (string, bool) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return "", false
	}

	best := ""
	found := false
	for _, candidate := range candidates {
		v, err := ParseVersion(candidate)
		if err != nil || !c.Check(v) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}

func startsWithOperator(s string) bool {
	return strings.HasPrefix(s, ">") || strings.HasPrefix(s, "<") ||
		strings.HasPrefix(s, "=") || strings.HasPrefix(s, "!") ||
		strings.HasPrefix(s, "^") || strings.HasPrefix(s, "~")
}

func isBracketRange(s string) bool {
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "(")
}

// exactFromBrackets recognises the single-version interval "[1.5]".
func exactFromBrackets(s string) (*mm.Version, bool) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" || strings.ContainsAny(inner, ",[]()") {
		return nil, false
	}
	v, err := mm.NewVersion(inner)
	if err != nil {
		return nil, false
	}
	return v, true
}

// translateBrackets rewrites interval notation into a Masterminds
// expression. Several intervals separated by commas form a union.
func translateBrackets(s string) (string, error) {
	var parts []string
	rest := s
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		if rest == "" {
			break
		}
		if rest[0] != '[' && rest[0] != '(' {
			return "", fmt.Errorf("version: malformed interval %q", s)
		}
		end := strings.IndexAny(rest, "])")
		if end < 0 {
			return "", fmt.Errorf("version: unterminated interval %q", s)
		}
		expr, err := translateInterval(rest[:end+1])
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
		rest = rest[end+1:]
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("version: empty interval %q", s)
	}
	return strings.Join(parts, " || "), nil
}

func translateInterval(iv string) (string, error) {
	opener, closer := iv[0], iv[len(iv)-1]
	inner := iv[1 : len(iv)-1]

	if !strings.Contains(inner, ",") {
		if opener != '[' || closer != ']' {
			return "", fmt.Errorf("version: single-version interval must be closed: %q", iv)
		}
		return "=" + strings.TrimSpace(inner), nil
	}

	bounds := strings.SplitN(inner, ",", 2)
	lower, upper := strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])
	if lower == "" && upper == "" {
		return "*", nil
	}

	var terms []string
	if lower != "" {
		op := ">"
		if opener == '[' {
			op = ">="
		}
		terms = append(terms, op+lower)
	}
	if upper != "" {
		op := "<"
		if closer == ']' {
			op = "<="
		}
		terms = append(terms, op+upper)
	}
	return strings.Join(terms, ", "), nil
}
