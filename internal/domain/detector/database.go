package detector

import (
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

type dbSpec struct {
	typ     scans.ResourceType
	vendor  string
	binary  []string
	version dialect.OperationID

	// versionFromDir passes the binary directory instead of the binary.
	versionFromDir bool
	name           []scenario.Step
	instance       []scenario.Step
	port           []scenario.Step
}

// Databases returns the detectors for every supported DBMS.
func Databases() []*Detector {
	specs := []dbSpec{
		{
			typ:            scans.TypeOracle,
			vendor:         "Oracle",
			binary:         []string{"tnslsnr"},
			version:        dialect.OpOracleVersion,
			versionFromDir: true,
			name: []scenario.Step{
				scenario.FromTokens("listener name", func(t []string) string {
					if len(t) > 1 && !strings.HasPrefix(t[1], "-") {
						return t[1]
					}
					return ""
				}),
			},
		},
		{
			typ:      scans.TypeMariaDB,
			vendor:   "MariaDB",
			binary:   []string{"mysqld", "mariadbd"},
			version:  dialect.OpMySQLVersion,
			instance: []scenario.Step{scenario.FromArg("--datadir=")},
			port:     []scenario.Step{scenario.FromArg("--port=")},
		},
		{
			typ:      scans.TypeMySQL,
			vendor:   "Oracle",
			binary:   []string{"mysqld"},
			version:  dialect.OpMySQLVersion,
			instance: []scenario.Step{scenario.FromArg("--datadir=")},
			port:     []scenario.Step{scenario.FromArg("--port=")},
		},
		{
			typ:      scans.TypePostgreSQL,
			vendor:   "PostgreSQL",
			binary:   []string{"postgres", "postmaster"},
			version:  dialect.OpPostgresVersion,
			instance: []scenario.Step{scenario.FromFlag("-D"), scenario.FromArg("--data-directory=")},
			port:     []scenario.Step{scenario.FromFlag("-p")},
		},
		{
			typ:    scans.TypeTibero,
			vendor: "TmaxTibero",
			binary: []string{"tblistener"},
		},
		{
			typ:    scans.TypeSybase,
			vendor: "SAP",
			binary: []string{"dataserver", "sqlsrvr"},
			name:   []scenario.Step{scenario.FromArg("-s")},
		},
		{
			typ:    scans.TypeMSSQL,
			vendor: "Microsoft",
			binary: []string{"sqlservr"},
			name:   []scenario.Step{scenario.FromArg("-s")},
		},
	}

	out := make([]*Detector, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.detector())
	}
	return out
}

func (s dbSpec) detector() *Detector {
	match := func(b string) bool {
		b = strings.ToLower(b)
		for _, n := range s.binary {
			if strings.Contains(b, n) {
				return true
			}
		}
		return false
	}

	scs := []scenario.Scenario{
		{Fact: FactExecPath, Critical: true, Steps: executable(match)},
		{
			Fact: FactInstallPath,
			Steps: []scenario.Step{
				scenario.FromFact(FactExecPath, func(p string) string {
					dir := scenario.Dir(p)
					if v := trimAny(dir, "bin", "sbin", "Binn"); v != "" {
						return v
					}
					return dir
				}),
			},
		},
	}

	if s.version != "" {
		params := scenario.Facts(FactExecPath)
		if s.versionFromDir {
			params = func(env *scenario.Env) ([]any, bool) {
				p := env.Fact(FactExecPath)
				if p == "" {
					return nil, false
				}
				return []any{scenario.Dir(p)}, true
			}
		}
		scs = append(scs, scenario.Scenario{
			Fact:  FactVersion,
			Steps: []scenario.Step{scenario.FromCommand(s.version, params, versionToken)},
		})
	}
	if len(s.name) > 0 {
		scs = append(scs, scenario.Scenario{Fact: FactName, Steps: s.name})
	}
	if len(s.instance) > 0 {
		scs = append(scs, scenario.Scenario{Fact: FactInstancePath, Steps: s.instance})
	}

	port := append([]scenario.Step{}, s.port...)
	port = append(port, scenario.FromCommand(dialect.OpListenPorts, pid, scenario.FirstLine))
	scs = append(scs,
		scenario.Scenario{Fact: FactListenPort, Steps: port},
		scenario.Scenario{Fact: FactRunUser, Steps: []scenario.Step{processUser()}},
	)

	return &Detector{Type: s.typ, Vendor: s.vendor, Scenarios: scs}
}
