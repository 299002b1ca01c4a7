package scans

import (
	"time"
)

// RequestID tipe untuk ScanRequest
type RequestID string

// OSFamily picks the command dialect used against a target.
type OSFamily string

const (
	OSUnix    OSFamily = "unix"
	OSWindows OSFamily = "windows"
)

// Category groups resource types so a request can ask for a subset.
type Category string

const (
	CategoryServer     Category = "server"
	CategoryMiddleware Category = "middleware"
	CategoryDatabase   Category = "database"
	CategoryCluster    Category = "cluster"
)

// ResourceType enum
type ResourceType string

const (
	TypeServer     ResourceType = "SERVER"
	TypeTomcat     ResourceType = "TOMCAT"
	TypeJeus       ResourceType = "JEUS"
	TypeWebLogic   ResourceType = "WEBLOGIC"
	TypeWebSphere  ResourceType = "WEBSPHERE"
	TypeApache     ResourceType = "APACHE"
	TypeWebToB     ResourceType = "WEBTOB"
	TypeJBoss      ResourceType = "JBOSS"
	TypeNginx      ResourceType = "NGINX"
	TypeOracle     ResourceType = "ORACLE"
	TypeMariaDB    ResourceType = "MARIADB"
	TypeMySQL      ResourceType = "MYSQL"
	TypeTibero     ResourceType = "TIBERO"
	TypeSybase     ResourceType = "SYBASE"
	TypeMSSQL      ResourceType = "MSSQL"
	TypePostgreSQL ResourceType = "POSTGRESQL"
)

var categories = map[ResourceType]Category{
	TypeServer:     CategoryServer,
	TypeTomcat:     CategoryMiddleware,
	TypeJeus:       CategoryMiddleware,
	TypeWebLogic:   CategoryMiddleware,
	TypeWebSphere:  CategoryMiddleware,
	TypeApache:     CategoryMiddleware,
	TypeWebToB:     CategoryMiddleware,
	TypeJBoss:      CategoryMiddleware,
	TypeNginx:      CategoryMiddleware,
	TypeOracle:     CategoryDatabase,
	TypeMariaDB:    CategoryDatabase,
	TypeMySQL:      CategoryDatabase,
	TypeTibero:     CategoryDatabase,
	TypeSybase:     CategoryDatabase,
	TypeMSSQL:      CategoryDatabase,
	TypePostgreSQL: CategoryDatabase,
}

// Category returns the category of a known type. Unknown types are
// reported as middleware, which is where new engines usually land.
func (t ResourceType) Category() Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return CategoryMiddleware
}

// Status enum
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further automatic transition happens.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Predecessors lists the statuses a request may move to s from.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusProcessing:
		return []Status{StatusQueued}
	case StatusCompleted, StatusFailed:
		return []Status{StatusProcessing}
	case StatusCanceled:
		return []Status{StatusQueued, StatusProcessing}
	}
	return nil
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// TargetHost is copied by value into every job so it cannot change mid scan.
type TargetHost struct {
	Address    string   `json:"address"`
	Port       int      `json:"port,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"-"`
	PrivateKey string   `json:"-"`
	OS         OSFamily `json:"os,omitempty"`
	Kubeconfig string   `json:"kubeconfig,omitempty"`
}

// ProcessRecord is one line of the remote process list.
type ProcessRecord struct {
	PID    string   `json:"pid"`
	User   string   `json:"user,omitempty"`
	Tokens []string `json:"tokens"`
}

// Fact is one extracted value plus the step that produced it.
type Fact struct {
	Value string `json:"value"`
	Step  string `json:"step"`
}

// DetectResult holds what one Detector run found for one resource.
type DetectResult struct {
	Type    ResourceType    `json:"type"`
	Vendor  string          `json:"vendor,omitempty"`
	Facts   map[string]Fact `json:"facts"`
	Missing []string        `json:"missing,omitempty"`

	// Incomplete names the critical fact that stopped the run, if any.
	Incomplete string `json:"incomplete,omitempty"`
}

// Value returns the value of a fact or "" when absent.
func (r DetectResult) Value(name string) string {
	return r.Facts[name].Value
}

// Outcome of an assessment record.
type Outcome string

const (
	OutcomeComplete   Outcome = "complete"
	OutcomePartial    Outcome = "partial"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeCanceled   Outcome = "canceled"
)

// RecordKey identifies one assessed resource on one target.
type RecordKey struct {
	Target   string       `json:"target"`
	Type     ResourceType `json:"type"`
	Instance string       `json:"instance"`
}

// AssessmentRecord is the structured output handed to persistence.
type AssessmentRecord struct {
	Key         RecordKey       `json:"key"`
	Category    Category        `json:"category"`
	Vendor      string          `json:"vendor,omitempty"`
	PID         string          `json:"pid,omitempty"`
	Facts       map[string]Fact `json:"facts"`
	Missing     []string        `json:"missing,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	CollectedAt time.Time       `json:"collected_at"`
}

// DiscoveredHost is produced by a host-range scan.
type DiscoveredHost struct {
	Address   string `json:"address"`
	Reachable bool   `json:"reachable"`
	TTL       int    `json:"ttl,omitempty"`
	OS        string `json:"os,omitempty"`
	OpenPorts []int  `json:"open_ports,omitempty"`
}

// Aggregate Root: ScanRequest
type ScanRequest struct {
	ID          RequestID  `json:"id"`
	ProjectID   string     `json:"project_id"`
	Target      TargetHost `json:"target"`
	Categories  []Category `json:"categories"`
	CIDR        string     `json:"cidr,omitempty"`
	Status      Status     `json:"status"`
	Message     string     `json:"message,omitempty"`
	ArtifactURL string     `json:"artifact_url,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// HostRange reports whether the request fans out over an address range.
func (r *ScanRequest) HostRange() bool { return r.CIDR != "" }

// Wants reports whether category c was requested.
func (r *ScanRequest) Wants(c Category) bool {
	for _, x := range r.Categories {
		if x == c {
			return true
		}
	}
	return false
}

// Event is published when a request changes status.
type Event struct {
	RequestID RequestID `json:"request_id"`
	ProjectID string    `json:"project_id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Records   int       `json:"records"`
	At        time.Time `json:"at"`
}
