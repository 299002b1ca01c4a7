package dialect

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alessio/shellescape"
	"gopkg.in/yaml.v3"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// OperationID names one logical command, independent of any shell.
type OperationID string

const (
	OpProcessList      OperationID = "process_list"
	OpHostname         OperationID = "hostname"
	OpOSRelease        OperationID = "os_release"
	OpOSReleaseLSB     OperationID = "os_release_lsb"
	OpKernel           OperationID = "kernel"
	OpCPUCount         OperationID = "cpu_count"
	OpMemory           OperationID = "memory_total"
	OpWhich            OperationID = "which"
	OpFindFile         OperationID = "find_file"
	OpProcessCwd       OperationID = "process_cwd"
	OpListenPorts      OperationID = "listen_ports"
	OpJavaVersion      OperationID = "java_version"
	OpTomcatVersion    OperationID = "tomcat_version"
	OpTomcatRelease    OperationID = "tomcat_release_notes"
	OpNginxVersion     OperationID = "nginx_version"
	OpNginxConfig      OperationID = "nginx_config_file"
	OpApacheVersion    OperationID = "apache_version"
	OpApacheCompile    OperationID = "apache_compile_settings"
	OpJBossVersion     OperationID = "jboss_version"
	OpJeusVersion      OperationID = "jeus_version"
	OpWebToBVersion    OperationID = "webtob_version"
	OpWebLogicVersion  OperationID = "weblogic_version"
	OpMySQLVersion     OperationID = "mysql_version"
	OpPostgresVersion  OperationID = "postgres_version"
	OpOracleVersion    OperationID = "oracle_version"
	OpWebSphereVersion OperationID = "websphere_version"
)

// ErrTemplateArgs is returned when params do not fit the template.
var ErrTemplateArgs = errors.New("template arguments mismatch")

// ErrUnsafeParam is returned for a param that cannot be quoted for the
// target shell.
var ErrUnsafeParam = errors.New("unsafe template parameter")

// UnsupportedDialectError means there is no template for the family.
type UnsupportedDialectError struct {
	Family    scans.OSFamily
	Operation OperationID
}

func (e *UnsupportedDialectError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("unsupported dialect: no templates for os family %q", e.Family)
	}
	return fmt.Sprintf("unsupported dialect: no template for %s on %q", e.Operation, e.Family)
}

// Table maps operation -> family -> template.
type Table map[OperationID]map[scans.OSFamily]string

type file struct {
	Operations Table `yaml:"operations"`
}

//go:embed dialects.yaml
var builtin []byte

// Parse decodes a dialect table from yaml.
func Parse(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dialects: %w", err)
	}
	if len(f.Operations) == 0 {
		return nil, errors.New("parse dialects: no operations")
	}
	return f.Operations, nil
}

// Builtin returns the table shipped with the binary.
func Builtin() Table {
	t, err := Parse(builtin)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadFile reads a table from disk.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Registry resolves operations against the current table. The table can be
// swapped at runtime; readers never block.
type Registry struct {
	table atomic.Pointer[Table]
}

func NewRegistry(t Table) *Registry {
	r := &Registry{}
	r.Swap(t)
	return r
}

// Swap installs a new table.
func (r *Registry) Swap(t Table) {
	r.table.Store(&t)
}

// Reload reads path and swaps the table. On error the old table stays.
func (r *Registry) Reload(path string) error {
	t, err := LoadFile(path)
	if err != nil {
		return err
	}
	r.Swap(t)
	return nil
}

// Supports reports whether the family has any template at all.
func (r *Registry) Supports(family scans.OSFamily) error {
	for _, byFamily := range *r.table.Load() {
		if _, ok := byFamily[family]; ok {
			return nil
		}
	}
	return &UnsupportedDialectError{Family: family}
}

// Resolve renders the template of op for family with params. Unix string
// params are shell-quoted, so templates must not quote them again. Windows
// templates quote their own params and reject any that could break out.
func (r *Registry) Resolve(op OperationID, family scans.OSFamily, params ...any) (string, error) {
	tpl, ok := (*r.table.Load())[op][family]
	if !ok {
		return "", &UnsupportedDialectError{Family: family, Operation: op}
	}
	args, err := quote(family, params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	cmd := fmt.Sprintf(tpl, args...)
	if strings.Contains(cmd, "%!") {
		return "", fmt.Errorf("%w: %s with %d params", ErrTemplateArgs, op, len(params))
	}
	return cmd, nil
}

// Operations lists the operations known for family.
func (r *Registry) Operations(family scans.OSFamily) []OperationID {
	var out []OperationID
	for op, byFamily := range *r.table.Load() {
		if _, ok := byFamily[family]; ok {
			out = append(out, op)
		}
	}
	return out
}

func quote(family scans.OSFamily, params []any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		str, ok := p.(string)
		if !ok {
			out[i] = p
			continue
		}
		switch family {
		case scans.OSWindows:
			if strings.ContainsAny(str, "\"'%\r\n\x00") {
				return nil, fmt.Errorf("%w: %q", ErrUnsafeParam, str)
			}
			out[i] = str
		default:
			if strings.ContainsRune(str, 0) {
				return nil, fmt.Errorf("%w: %q", ErrUnsafeParam, str)
			}
			out[i] = shellescape.Quote(str)
		}
	}
	return out, nil
}
