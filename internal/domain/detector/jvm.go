package detector

import (
	"context"
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// Tomcat reports "." for an unset catalina.base, hence the ignore list.
func Tomcat() *Detector {
	ignore := []string{"."}
	return &Detector{
		Type:   scans.TypeTomcat,
		Vendor: "Apache",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactInstallPath, Critical: true, Ignore: ignore,
				Steps: []scenario.Step{
					scenario.FromArg("-Dcatalina.home="),
					scenario.FromArg("-Dcatalina.base="),
					scenario.FromTokens("classpath bootstrap.jar", func(t []string) string {
						return trimAny(classpathEntry(t, "bootstrap.jar"), "bin/bootstrap.jar")
					}),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpTomcatVersion, scenario.Facts(FactInstallPath), func(o string) string {
						return scenario.After(scenario.LineContaining(o, "Server number"), ":")
					}),
					scenario.FromCommand(dialect.OpTomcatRelease, scenario.Facts(FactInstallPath), func(o string) string {
						return scenario.After(scenario.LineContaining(o, "Version"), "Version")
					}),
				},
			},
			{
				Fact: FactInstancePath, Ignore: ignore,
				Steps: []scenario.Step{
					scenario.FromArg("-Dcatalina.base="),
					scenario.FromFact(FactInstallPath, nil),
				},
			},
			{
				Fact:  FactName,
				Steps: []scenario.Step{scenario.FromFact(FactInstancePath, base)},
			},
			{
				Fact: FactConfigPath,
				Steps: []scenario.Step{
					scenario.FromArg("-Djava.util.logging.config.file="),
					scenario.FromFact(FactInstancePath, func(p string) string { return joinPath(p, "conf/server.xml") }),
				},
			},
			javaVersion(),
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// JBoss covers JBoss EAP and WildFly in standalone and domain mode.
func JBoss() *Detector {
	return &Detector{
		Type:   scans.TypeJBoss,
		Vendor: "Red Hat",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactInstallPath, Critical: true,
				Steps: []scenario.Step{
					scenario.FromArg("-Djboss.home.dir="),
					scenario.FromTokens("jboss-modules.jar", func(t []string) string {
						for _, tok := range t {
							if v := trimAny(tok, "jboss-modules.jar"); v != "" {
								return v
							}
						}
						return ""
					}),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpJBossVersion, scenario.Facts(FactInstallPath), versionToken),
				},
			},
			{
				Fact: FactInstancePath,
				Steps: []scenario.Step{
					scenario.FromArg("-Djboss.server.base.dir="),
					scenario.FromArg("-Djboss.domain.base.dir="),
				},
			},
			{
				Fact: FactName,
				Steps: []scenario.Step{
					scenario.FromArg("-Djboss.node.name="),
					scenario.FromTokens("domain server marker", func(t []string) string {
						return strings.TrimSuffix(scenario.ArgValue(t, "-D[Server:"), "]")
					}),
					scenario.FromFact(FactInstancePath, base),
				},
			},
			{
				Fact: FactConfigPath,
				Steps: []scenario.Step{
					scenario.FromArg("-Djboss.server.default.config="),
					scenario.FromFlag("-c"),
				},
			},
			javaVersion(),
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// WebLogic resolves the middleware home, not the wlserver directory.
func WebLogic() *Detector {
	home := func(p string) string {
		if v := trimAny(p, "wlserver/server", "wlserver_10.3/server", "server"); v != "" {
			return v
		}
		return p
	}
	return &Detector{
		Type:   scans.TypeWebLogic,
		Vendor: "Oracle",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactName,
				Steps: []scenario.Step{
					scenario.FromArg("-Dweblogic.Name="),
				},
			},
			{
				Fact: FactInstallPath, Critical: true,
				Steps: []scenario.Step{
					scenario.FromTokens("wls.home", func(t []string) string {
						if v := scenario.ArgValue(t, "-Dwls.home="); v != "" {
							return home(v)
						}
						return ""
					}),
					scenario.FromTokens("weblogic.home", func(t []string) string {
						if v := scenario.ArgValue(t, "-Dweblogic.home="); v != "" {
							return home(v)
						}
						return ""
					}),
					scenario.FromTokens("classpath weblogic.jar", func(t []string) string {
						return trimAny(classpathEntry(t, "weblogic.jar"), "wlserver/server/lib/weblogic.jar", "server/lib/weblogic.jar")
					}),
				},
			},
			{
				Fact: FactInstancePath,
				Steps: []scenario.Step{
					scenario.FromArg("-Ddomain.home="),
					scenario.FromArg("-Dweblogic.RootDirectory="),
					scenario.FromCommand(dialect.OpProcessCwd, pid, scenario.FirstLine),
				},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpWebLogicVersion, scenario.Facts(FactInstallPath), func(o string) string {
						return versionToken(scenario.After(o, "WebLogic Server"))
					}),
				},
			},
			javaVersion(),
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// WebSphere servers end their command line with "cell node server".
func WebSphere() *Detector {
	return &Detector{
		Type:   scans.TypeWebSphere,
		Vendor: "IBM",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactInstallPath, Critical: true,
				Steps: []scenario.Step{scenario.FromArg("-Dwas.install.root=")},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpWebSphereVersion, scenario.Facts(FactInstallPath), scenario.FirstLine),
				},
			},
			{
				Fact: FactInstancePath,
				Steps: []scenario.Step{
					scenario.FromArg("-Dserver.root="),
					scenario.FromArg("-Duser.install.root="),
				},
			},
			{
				Fact: FactName,
				Steps: []scenario.Step{
					scenario.FromTokens("last token", func(t []string) string {
						if len(t) < 4 {
							return ""
						}
						return t[len(t)-1]
					}),
				},
			},
			javaVersion(),
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

// Jeus prints "-" for unset properties. Node manager processes never get
// here; the classifier rule excludes them.
func Jeus() *Detector {
	ignore := []string{"-"}
	return &Detector{
		Type:   scans.TypeJeus,
		Vendor: "TmaxSoft",
		Scenarios: []scenario.Scenario{
			{
				Fact: FactInstallPath, Critical: true, Ignore: ignore,
				Steps: []scenario.Step{scenario.FromArg("-Djeus.home=")},
			},
			{
				Fact: FactVersion,
				Steps: []scenario.Step{
					scenario.FromCommand(dialect.OpJeusVersion, scenario.Facts(FactInstallPath), func(o string) string {
						return scenario.FirstWord(scenario.After(scenario.FirstLine(o), "JEUS"))
					}),
				},
			},
			{
				Fact: FactName, Ignore: ignore,
				Steps: []scenario.Step{
					scenario.FromArg("-Djeus.server.name="),
					scenario.FromArg("-DserverName="),
					scenario.FromFlag("-server"),
				},
			},
			{
				Fact: FactInstancePath, Ignore: ignore,
				Steps: []scenario.Step{
					scenario.FromArg("-Djeus.domain.home="),
					{
						Name: "domains under jeus.home",
						Fn: func(_ context.Context, env *scenario.Env) (string, error) {
							domain := scenario.ArgValue(env.Process.Tokens, "-Djeus.domain.name=")
							if domain == "" || env.Fact(FactInstallPath) == "" {
								return "", nil
							}
							return joinPath(env.Fact(FactInstallPath), "domains/"+domain), nil
						},
					},
				},
			},
			javaVersion(),
			{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
		},
	}
}

func pid(env *scenario.Env) ([]any, bool) {
	if env.Process.PID == "" {
		return nil, false
	}
	return []any{env.Process.PID}, true
}
