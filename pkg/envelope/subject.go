package envelope

import (
	"strings"

	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
)

// MaxSubjectLength is the maximum length of a concrete or pattern subject.
const MaxSubjectLength = 255

// Subject is an immutable dotted identifier of the form
// "{env}.{app}.{topic-or-d.r.a}". Two subjects built from equal strings
// compare equal.
type Subject struct {
	value string
}

// String returns the dotted form.
func (s Subject) String() string {
	return s.value
}

// FromTopic builds a concrete subject from env, app and a topic such as
// "order.created".
func FromTopic(env, app, topic string) (Subject, error) {
	return newSubject(env, app, topic)
}

// FromEvent builds a concrete subject from env, app and the legacy
// domain/resource/action triple.
func FromEvent(env, app, domain, resource, action string) (Subject, error) {
	return newSubject(env, app, domain+"."+resource+"."+action)
}

// FromPattern builds a subject that may contain wildcard tokens (`*`, `>`),
// for use as a subscriber's declared pattern or a stream filter.
func FromPattern(env, app, pattern string) (Subject, error) {
	return newSubject(env, app, pattern)
}

// DLQSubject builds the dead-letter subject for env/app, optionally
// overriding the default "dlq" suffix.
func DLQSubject(env, app, suffix string) (Subject, error) {
	if suffix == "" {
		suffix = "dlq"
	}
	return newSubject(env, app, suffix)
}

func newSubject(env, app, rest string) (Subject, error) {
	if env == "" || app == "" {
		return Subject{}, errors.New(errors.CodeInvalidSubject, "env and app are required to build a subject", nil)
	}
	tokens := append(splitTokens(env), splitTokens(app)...)
	tokens = append(tokens, splitTokens(rest)...)

	normalized := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		norm, err := normalizeToken(tok)
		if err != nil {
			return Subject{}, err
		}
		if norm == ">" && i != len(tokens)-1 {
			return Subject{}, errors.New(errors.CodeInvalidSubject, "'>' wildcard may only appear as the final token", nil)
		}
		normalized = append(normalized, norm)
	}

	value := strings.Join(normalized, ".")
	if len(value) == 0 {
		return Subject{}, errors.New(errors.CodeInvalidSubject, "subject must not be empty", nil)
	}
	if len(value) > MaxSubjectLength {
		return Subject{}, errors.New(errors.CodeInvalidSubject, "subject exceeds max length", nil)
	}
	return Subject{value: value}, nil
}

func splitTokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// normalizeToken lower-cases ASCII letters and replaces any character not
// in [a-z0-9_.>*-] with '_'. Dots are never passed to this function as
// part of a token (tokens are already dot-split); `*` and `>` pass through
// unchanged as whole tokens.
func normalizeToken(tok string) (string, error) {
	if tok == "" {
		return "", errors.New(errors.CodeInvalidSubject, "subject token must not be empty", nil)
	}
	if tok == "*" || tok == ">" {
		return tok, nil
	}

	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range tok {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == '*' || r == '>':
			// A wildcard character embedded in a mixed token (e.g. "foo*")
			// is not a wildcard token; per normalization rules it still
			// passes through unescaped.
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String(), nil
}

// Matches reports whether pattern matches concrete using NATS-style
// wildcard semantics: "*" matches exactly one token, ">" matches one or
// more trailing tokens and must be the final pattern token.
func Matches(pattern, concrete Subject) bool {
	return matchTokens(strings.Split(pattern.value, "."), strings.Split(concrete.value, "."))
}

func matchTokens(pattern, concrete []string) bool {
	for i, p := range pattern {
		if p == ">" {
			// ">" must be the final token (enforced at construction); it
			// matches one or more remaining tokens.
			return i < len(concrete)
		}
		if i >= len(concrete) {
			return false
		}
		if p != "*" && p != concrete[i] {
			return false
		}
	}
	return len(pattern) == len(concrete)
}

// Overlaps reports whether some concrete subject could match both a and b.
// It is symmetric and reflexive.
func Overlaps(a, b Subject) bool {
	return overlapTokens(strings.Split(a.value, "."), strings.Split(b.value, "."))
}

func overlapTokens(a, b []string) bool {
	i := 0
	for i < len(a) && i < len(b) {
		at, bt := a[i], b[i]
		if at == ">" || bt == ">" {
			return true
		}
		if at != "*" && bt != "*" && at != bt {
			return false
		}
		i++
	}
	return len(a) == len(b)
}
