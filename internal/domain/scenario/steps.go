package scenario

import (
	"context"
	"path"
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
)

// ArgValue returns the value of the first "-Dkey=value" style token that
// starts with prefix.
func ArgValue(tokens []string, prefix string) string {
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return strings.Trim(strings.TrimPrefix(t, prefix), `"'`)
		}
	}
	return ""
}

// FlagValue returns the token after flag, or the rest of a joined "-cVALUE".
// The joined form is only recognised for single-letter flags.
func FlagValue(tokens []string, flag string) string {
	short := len(flag) == 2 && flag[0] == '-' && flag[1] != '-'
	for i, t := range tokens {
		switch {
		case t == flag && i+1 < len(tokens):
			return tokens[i+1]
		case short && len(t) > 2 && strings.HasPrefix(t, flag):
			return strings.Trim(t[2:], `"'`)
		}
	}
	return ""
}

// FromArg reads a property straight off the command line.
func FromArg(prefix string) Step {
	return Step{
		Name: "arg " + prefix,
		Fn: func(_ context.Context, env *Env) (string, error) {
			return ArgValue(env.Process.Tokens, prefix), nil
		},
	}
}

// FromFlag reads the value following a short flag such as -c or -f.
func FromFlag(flag string) Step {
	return Step{
		Name: "flag " + flag,
		Fn: func(_ context.Context, env *Env) (string, error) {
			return FlagValue(env.Process.Tokens, flag), nil
		},
	}
}

// FromFact derives a value from a fact an earlier scenario found.
func FromFact(fact string, derive func(string) string) Step {
	return Step{
		Name: "fact " + fact,
		Fn: func(_ context.Context, env *Env) (string, error) {
			v := env.Fact(fact)
			if v == "" {
				return "", nil
			}
			if derive == nil {
				return v, nil
			}
			return derive(v), nil
		},
	}
}

// FromTokens derives a value from the command-line tokens.
func FromTokens(name string, derive func([]string) string) Step {
	return Step{
		Name: name,
		Fn: func(_ context.Context, env *Env) (string, error) {
			return derive(env.Process.Tokens), nil
		},
	}
}

// FromCommand runs a dialect operation and parses its output. params is
// called with the env so it can use facts found earlier; returning ok=false
// skips the step without a remote call.
func FromCommand(op dialect.OperationID, params func(*Env) ([]any, bool), parse func(string) string) Step {
	return Step{
		Name: "cmd " + string(op),
		Fn: func(ctx context.Context, env *Env) (string, error) {
			var args []any
			if params != nil {
				var ok bool
				if args, ok = params(env); !ok {
					return "", nil
				}
			}
			out, err := env.Runner.Run(ctx, op, args...)
			if err != nil {
				return "", err
			}
			if parse == nil {
				return FirstLine(out), nil
			}
			return parse(out), nil
		},
	}
}

// Facts builds a params func from fact names; it skips the step when any
// of them is still missing.
func Facts(names ...string) func(*Env) ([]any, bool) {
	return func(env *Env) ([]any, bool) {
		args := make([]any, 0, len(names))
		for _, n := range names {
			v := env.Fact(n)
			if v == "" {
				return nil, false
			}
			args = append(args, v)
		}
		return args, true
	}
}

// FirstLine returns the first non-blank line.
func FirstLine(out string) string {
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

// LineContaining returns the first line containing word.
func LineContaining(out, word string) string {
	for _, l := range strings.Split(out, "\n") {
		if strings.Contains(l, word) {
			return strings.TrimSpace(l)
		}
	}
	return ""
}

// After returns the text after the first sep, trimmed.
func After(s, sep string) string {
	i := strings.Index(s, sep)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(s[i+len(sep):])
}

// FirstWord returns the first whitespace separated word of s.
func FirstWord(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// TrimSuffixDir strips trailing path elements, e.g. "/opt/x/bin/httpd"
// with "bin/httpd" gives "/opt/x". It returns "" when the suffix is absent.
func TrimSuffixDir(p, suffix string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	suffix = "/" + strings.Trim(suffix, "/")
	if !strings.HasSuffix(p, suffix) {
		return ""
	}
	return strings.TrimSuffix(p, suffix)
}

// Dir is path.Dir that also understands Windows separators.
func Dir(p string) string {
	return path.Dir(strings.ReplaceAll(p, `\`, "/"))
}
