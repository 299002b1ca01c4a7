package assessment

import (
	"errors"
	"sync"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/detector"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// keyFacts are tried in order to tell two instances of one engine apart.
var keyFacts = []string{detector.FactInstancePath, detector.FactConfigPath, detector.FactInstallPath}

// Aggregator assembles detector results into assessment records, one per
// (target, type, instance). Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[scans.RecordKey]*scans.AssessmentRecord
	order   []scans.RecordKey
}

func New(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now, records: make(map[scans.RecordKey]*scans.AssessmentRecord)}
}

// Add records one detection. err is the error returned by Detect, if any.
// A second detection of the same instance only fills facts the first one
// did not have.
func (a *Aggregator) Add(target string, proc scans.ProcessRecord, res scans.DetectResult, err error) scans.RecordKey {
	key := scans.RecordKey{Target: target, Type: res.Type, Instance: instanceKey(res, proc)}
	outcome := outcomeOf(res, err)

	a.mu.Lock()
	defer a.mu.Unlock()

	if rec, ok := a.records[key]; ok {
		for k, f := range res.Facts {
			if _, exists := rec.Facts[k]; !exists {
				rec.Facts[k] = f
			}
		}
		rec.Missing = stillMissing(rec.Missing, rec.Facts)
		if rank(outcome) < rank(rec.Outcome) {
			rec.Outcome = outcome
			rec.Error = errString(err)
		}
		if rec.Outcome == scans.OutcomeComplete && len(rec.Missing) > 0 {
			rec.Outcome = scans.OutcomePartial
		}
		return key
	}

	facts := make(map[string]scans.Fact, len(res.Facts))
	for k, f := range res.Facts {
		facts[k] = f
	}
	a.records[key] = &scans.AssessmentRecord{
		Key:         key,
		Category:    res.Type.Category(),
		Vendor:      res.Vendor,
		PID:         proc.PID,
		Facts:       facts,
		Missing:     append([]string(nil), res.Missing...),
		Outcome:     outcome,
		Error:       errString(err),
		CollectedAt: a.now(),
	}
	a.order = append(a.order, key)
	return key
}

// Records returns copies in insertion order.
func (a *Aggregator) Records() []scans.AssessmentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]scans.AssessmentRecord, 0, len(a.order))
	for _, k := range a.order {
		rec := *a.records[k]
		rec.Facts = make(map[string]scans.Fact, len(a.records[k].Facts))
		for fk, fv := range a.records[k].Facts {
			rec.Facts[fk] = fv
		}
		rec.Missing = append([]string(nil), rec.Missing...)
		out = append(out, rec)
	}
	return out
}

// Len is the number of distinct records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Summary counts records by outcome.
func (a *Aggregator) Summary() map[scans.Outcome]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[scans.Outcome]int)
	for _, r := range a.records {
		out[r.Outcome]++
	}
	return out
}

func instanceKey(res scans.DetectResult, proc scans.ProcessRecord) string {
	for _, f := range keyFacts {
		if v := res.Value(f); v != "" {
			return v
		}
	}
	if proc.PID != "" {
		return "pid:" + proc.PID
	}
	return string(res.Type)
}

func outcomeOf(res scans.DetectResult, err error) scans.Outcome {
	var inc *scans.DetectionIncompleteError
	switch {
	case scans.IsCancellation(err):
		return scans.OutcomeCanceled
	case errors.As(err, &inc), res.Incomplete != "":
		return scans.OutcomeIncomplete
	case len(res.Missing) > 0:
		return scans.OutcomePartial
	}
	return scans.OutcomeComplete
}

// rank orders outcomes from best to worst.
func rank(o scans.Outcome) int {
	switch o {
	case scans.OutcomeComplete:
		return 0
	case scans.OutcomePartial:
		return 1
	case scans.OutcomeIncomplete:
		return 2
	}
	return 3
}

func stillMissing(missing []string, facts map[string]scans.Fact) []string {
	var out []string
	for _, m := range missing {
		if _, ok := facts[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
