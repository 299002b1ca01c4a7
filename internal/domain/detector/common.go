package detector

import (
	"context"
	"path"
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// processUser is the owner reported by the process list.
func processUser() scenario.Step {
	return scenario.Step{
		Name: "process user",
		Fn: func(_ context.Context, env *scenario.Env) (string, error) {
			return env.Process.User, nil
		},
	}
}

// javaVersion is shared by every JVM based engine.
func javaVersion() scenario.Scenario {
	return scenario.Scenario{
		Fact: FactJavaVersion,
		Steps: []scenario.Step{
			scenario.FromCommand(dialect.OpJavaVersion, javaBinary, parseJavaVersion),
		},
	}
}

func javaBinary(env *scenario.Env) ([]any, bool) {
	if len(env.Process.Tokens) == 0 {
		return nil, false
	}
	bin := env.Process.Tokens[0]
	if !strings.Contains(strings.ToLower(path.Base(strings.ReplaceAll(bin, `\`, "/"))), "java") {
		return nil, false
	}
	return []any{bin}, true
}

// parseJavaVersion reads `openjdk version "11.0.19" 2023-04-18`.
func parseJavaVersion(out string) string {
	line := scenario.LineContaining(out, "version")
	if i := strings.Index(line, `"`); i >= 0 {
		rest := line[i+1:]
		if j := strings.Index(rest, `"`); j >= 0 {
			return rest[:j]
		}
	}
	return versionToken(line)
}

// versionToken returns the first word that looks like a dotted version.
func versionToken(s string) string {
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '/' || r == '(' || r == ')' || r == ',' || r == '-'
	}) {
		if w != "" && w[0] >= '0' && w[0] <= '9' && strings.Contains(w, ".") {
			return strings.TrimRight(w, ".,;:")
		}
	}
	return ""
}

// classpathEntry finds a classpath element ending in jar.
func classpathEntry(tokens []string, jar string) string {
	for _, t := range tokens {
		sep := ":"
		if strings.Contains(t, ";") {
			sep = ";"
		}
		for _, e := range strings.Split(t, sep) {
			if strings.HasSuffix(strings.ReplaceAll(e, `\`, "/"), "/"+jar) {
				return e
			}
		}
	}
	return ""
}

// trimAny strips the first matching suffix from p.
func trimAny(p string, suffixes ...string) string {
	for _, s := range suffixes {
		if v := scenario.TrimSuffixDir(p, s); v != "" {
			return v
		}
	}
	return ""
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || (len(p) > 2 && p[1] == ':')
}

func base(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

func joinPath(dir, rel string) string {
	if rel == "" || isAbs(rel) {
		return rel
	}
	return strings.TrimRight(dir, "/") + "/" + rel
}
