package mysql

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// stringOrDash returns "-" when the input is empty/whitespace
func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// stamps returns the started_at / finished_at values a transition sets.
func stamps(to domain.Status, at time.Time) (started, finished sql.NullTime) {
	switch {
	case to == domain.StatusProcessing:
		started = sql.NullTime{Time: at, Valid: true}
	case to.Terminal():
		finished = sql.NullTime{Time: at, Valid: true}
	}
	return started, finished
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
