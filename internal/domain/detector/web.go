package detector

import (
	"context"
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// executable finds the binary in the command line; when only a bare name is
// present it asks the target through `which`.
func executable(match func(string) bool) []scenario.Step {
	return []scenario.Step{
		scenario.FromTokens("absolute binary", func(t []string) string {
			for _, tok := range t {
				if isAbs(tok) && match(base(tok)) {
					return tok
				}
			}
			return ""
		}),
		{
			Name: "cmd which",
			Fn: func(ctx context.Context, env *scenario.Env) (string, error) {
				for _, tok := range env.Process.Tokens {
					name := strings.TrimSuffix(tok, ":")
					if isAbs(name) || !match(name) {
						continue
					}
					out, err := env.Runner.Run(ctx, dialect.OpWhich, name)
					if err != nil {
						return "", err
					}
					return scenario.FirstLine(out), nil
				}
				return "", nil
			},
		},
	}
}

func named(names ...string) func(string) bool {
	return func(b string) bool {
		for _, n := range names {
			if b == n {
				return true
			}
		}
		return false
	}
}

// parseCompileSettings reads HTTPD_ROOT and SERVER_CONFIG_FILE from `httpd -V`.
func parseCompileSettings(out string) (root, conf string) {
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-D"))
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.TrimSpace(k) {
		case "HTTPD_ROOT":
			root = v
		case "SERVER_CONFIG_FILE":
			conf = v
		}
	}
	return root, conf
}

func Apache() *Detector {
	compile := func(pick func(root, conf string) string) scenario.Step {
		return scenario.FromCommand(dialect.OpApacheCompile, scenario.Facts(FactExecPath), func(o string) string {
			return pick(parseCompileSettings(o))
		})
	}
	return &Detector{
		Type:   scans.TypeApache,
		Vendor: "Apache",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactExecPath, Critical: true,
				Steps: executable(named("httpd", "httpd.exe", "apache2")),
			},
			{
				Fact: FactInstallPath,
				Steps: []scenario.Step{
					scenario.FromFact(FactExecPath, func(p string) string {
						return trimAny(p, "bin/httpd", "sbin/httpd", "bin/httpd.exe", "sbin/apache2")
					}),
					compile(func(root, _ string) string { return root }),
				},
			},
			{
				Fact: FactConfigPath,
				Steps: []scenario.Step{
					{
						Name: "flag -f",
						Fn: func(_ context.Context, env *scenario.Env) (string, error) {
							f := scenario.FlagValue(env.Process.Tokens, "-f")
							if f == "" {
								return "", nil
							}
							root := scenario.FlagValue(env.Process.Tokens, "-d")
							if root == "" {
								root = env.Fact(FactInstallPath)
							}
							return joinPath(root, f), nil
						},
					},
					compile(func(root, conf string) string {
						if conf == "" {
							return ""
						}
						return joinPath(root, conf)
					}),
					scenario.FromCommand(dialect.OpFindFile, func(env *scenario.Env) ([]any, bool) {
						if p := env.Fact(FactInstallPath); p != "" {
							return []any{p, "httpd.conf"}, true
						}
						return nil, false
					}, scenario.FirstLine),
				},
			},
			{
				Fact: FactInstancePath,
				Steps: []scenario.Step{
					scenario.FromFlag("-d"),
					scenario.FromFact(FactConfigPath, func(p string) string {
						return scenario.Dir(scenario.Dir(p))
					}),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpApacheVersion, scenario.Facts(FactExecPath), func(o string) string {
						return scenario.FirstWord(scenario.After(scenario.LineContaining(o, "version"), "/"))
					}),
				},
			},
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// Nginx is only classified from its master process, so the command line is
// "nginx: master process /usr/sbin/nginx -c ..." or just the binary.
func Nginx() *Detector {
	return &Detector{
		Type:   scans.TypeNginx,
		Vendor: "F5",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactExecPath, Critical: true,
				Steps: executable(named("nginx", "nginx.exe")),
			},
			{
				Fact: FactInstallPath,
				Steps: []scenario.Step{
					scenario.FromFact(FactExecPath, func(p string) string {
						if v := trimAny(p, "sbin/nginx", "bin/nginx"); v != "" {
							return v
						}
						return scenario.Dir(p)
					}),
				},
			},
			{
				Fact: FactConfigPath,
				Steps: []scenario.Step{
					scenario.FromFlag("-c"),
					scenario.FromCommand(dialect.OpNginxConfig, scenario.Facts(FactExecPath), func(o string) string {
						for _, w := range strings.Fields(o) {
							if strings.Contains(w, ".conf") {
								return w
							}
						}
						return ""
					}),
				},
			},
			{
				Fact: FactInstancePath,
				Steps: []scenario.Step{
					scenario.FromFact(FactConfigPath, scenario.Dir),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpNginxVersion, scenario.Facts(FactExecPath), func(o string) string {
						line := scenario.LineContaining(o, "version")
						if i := strings.LastIndex(line, "/"); i >= 0 {
							return scenario.FirstWord(line[i+1:])
						}
						return ""
					}),
				},
			},
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// WebToB is classified from its wsm launcher.
func WebToB() *Detector {
	return &Detector{
		Type:   scans.TypeWebToB,
		Vendor: "TmaxSoft",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactExecPath, Critical: true,
				Steps: executable(named("wsm", "wsm.exe")),
			},
			{
				Fact: FactInstallPath, Critical: true,
				Steps: []scenario.Step{
					scenario.FromFact(FactExecPath, func(p string) string { return trimAny(p, "bin/wsm", "bin/wsm.exe") }),
				},
			},
			{
				Fact: FactConfigPath,
				Steps: []scenario.Step{
					scenario.FromFlag("-f"),
					scenario.FromFact(FactInstallPath, func(p string) string { return joinPath(p, "config/http.m") }),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpWebToBVersion, scenario.Facts(FactInstallPath), versionToken),
				},
			},
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}
