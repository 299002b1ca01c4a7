package assessment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/detector"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

var fixed = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func result(typ scans.ResourceType, facts map[string]string, missing ...string) scans.DetectResult {
	r := scans.DetectResult{Type: typ, Facts: map[string]scans.Fact{}, Missing: missing}
	for k, v := range facts {
		r.Facts[k] = scans.Fact{Value: v, Step: "test"}
	}
	return r
}

func TestAddBuildsRecord(t *testing.T) {
	a := New(func() time.Time { return fixed })
	res := result(scans.TypeTomcat, map[string]string{
		detector.FactInstallPath:  "/opt/tomcat",
		detector.FactInstancePath: "/srv/app1",
	})

	key := a.Add("10.0.0.1", scans.ProcessRecord{PID: "42"}, res, nil)
	if key.Instance != "/srv/app1" || key.Type != scans.TypeTomcat || key.Target != "10.0.0.1" {
		t.Fatalf("key = %+v", key)
	}
	recs := a.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	r := recs[0]
	if r.Outcome != scans.OutcomeComplete || r.Category != scans.CategoryMiddleware || r.PID != "42" || !r.CollectedAt.Equal(fixed) {
		t.Fatalf("record = %+v", r)
	}
}

func TestOutcomes(t *testing.T) {
	a := New(nil)
	a.Add("h", scans.ProcessRecord{PID: "1"}, result(scans.TypeNginx, nil, "version"), nil)
	inc := result(scans.TypeApache, nil, detector.FactExecPath)
	inc.Incomplete = detector.FactExecPath
	a.Add("h", scans.ProcessRecord{PID: "2"}, inc, &scans.DetectionIncompleteError{Type: scans.TypeApache, Fact: detector.FactExecPath})
	a.Add("h", scans.ProcessRecord{PID: "3"}, result(scans.TypeMySQL, map[string]string{detector.FactInstallPath: "/usr"}), fmt.Errorf("x: %w", context.Canceled))

	got := map[scans.ResourceType]scans.Outcome{}
	for _, r := range a.Records() {
		got[r.Key.Type] = r.Outcome
	}
	want := map[scans.ResourceType]scans.Outcome{
		scans.TypeNginx:  scans.OutcomePartial,
		scans.TypeApache: scans.OutcomeIncomplete,
		scans.TypeMySQL:  scans.OutcomeCanceled,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s outcome = %s, want %s", k, got[k], v)
		}
	}
	if s := a.Summary(); s[scans.OutcomePartial] != 1 || s[scans.OutcomeIncomplete] != 1 || s[scans.OutcomeCanceled] != 1 {
		t.Fatalf("summary = %v", s)
	}
}

func TestDuplicateInstanceMerges(t *testing.T) {
	a := New(nil)
	first := result(scans.TypeTomcat, map[string]string{
		detector.FactInstallPath:  "/opt/tomcat",
		detector.FactInstancePath: "/srv/app1",
	}, detector.FactVersion)
	second := result(scans.TypeTomcat, map[string]string{
		detector.FactInstallPath:  "/other",
		detector.FactInstancePath: "/srv/app1",
		detector.FactVersion:      "9.0.1",
	})

	a.Add("h", scans.ProcessRecord{PID: "10"}, first, nil)
	a.Add("h", scans.ProcessRecord{PID: "11"}, second, nil)

	recs := a.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one merged record, got %d", len(recs))
	}
	r := recs[0]
	if r.Facts[detector.FactInstallPath].Value != "/opt/tomcat" {
		t.Fatalf("first fact must win, got %q", r.Facts[detector.FactInstallPath].Value)
	}
	if r.Facts[detector.FactVersion].Value != "9.0.1" || len(r.Missing) != 0 || r.Outcome != scans.OutcomeComplete {
		t.Fatalf("merge = %+v", r)
	}
}

func TestInstanceKeyFallsBackToPID(t *testing.T) {
	a := New(nil)
	k1 := a.Add("h", scans.ProcessRecord{PID: "7"}, result(scans.TypeSybase, nil), nil)
	k2 := a.Add("h", scans.ProcessRecord{PID: "8"}, result(scans.TypeSybase, nil), nil)
	if k1 == k2 || a.Len() != 2 {
		t.Fatalf("keys %v %v, len %d", k1, k2, a.Len())
	}
}

func TestRecordsAreCopies(t *testing.T) {
	a := New(nil)
	a.Add("h", scans.ProcessRecord{PID: "1"}, result(scans.TypeNginx, map[string]string{"k": "v"}), nil)
	recs := a.Records()
	recs[0].Facts["k"] = scans.Fact{Value: "changed"}
	if a.Records()[0].Facts["k"].Value != "v" {
		t.Fatal("Records leaked internal state")
	}
}

func TestConcurrentAdd(t *testing.T) {
	a := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Add(fmt.Sprintf("10.0.0.%d", i), scans.ProcessRecord{}, result(scans.TypeServer, nil), nil)
		}(i)
	}
	wg.Wait()
	if a.Len() != 50 {
		t.Fatalf("len = %d", a.Len())
	}
}
