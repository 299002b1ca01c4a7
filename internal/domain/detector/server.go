package detector

import (
	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// Server collects host level facts. Hostname is critical: a host that
// cannot even report its name is not worth assessing further.
func Server() *Detector {
	cmd := func(op dialect.OperationID) scenario.Step {
		return scenario.FromCommand(op, nil, scenario.FirstLine)
	}
	return &Detector{
		Type: scans.TypeServer,
		Scenarios: []scenario.Scenario{
			{Fact: FactHostname, Critical: true, Steps: []scenario.Step{cmd(dialect.OpHostname)}},
			{Fact: FactOSName, Steps: []scenario.Step{cmd(dialect.OpOSRelease), cmd(dialect.OpOSReleaseLSB)}},
			{Fact: FactKernel, Steps: []scenario.Step{cmd(dialect.OpKernel)}},
			{Fact: FactCPUCount, Steps: []scenario.Step{cmd(dialect.OpCPUCount)}},
			{Fact: FactMemoryKB, Steps: []scenario.Step{cmd(dialect.OpMemory)}},
		},
	}
}
