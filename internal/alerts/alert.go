package alerts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// Alert is an operator-facing anomaly. OrderID is zero for alerts that are
// not about a single order.
type Alert struct {
	Class     enums.AlertClass
	Severity  enums.AlertSeverity
	DedupeKey string
	Summary   string
	CycleID   string
	OrderID   uuid.UUID
	Details   map[string]any
}

// Result reports what Raise did with an alert.
type Result string

const (
	ResultSent       Result = "sent"
	ResultSuppressed Result = "suppressed"
	ResultFailed     Result = "failed"
)

func (a Alert) subject() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Class, a.Summary)
}

func (a Alert) body(raisedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "class: %s\n", a.Class)
	fmt.Fprintf(&b, "severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "dedupe_key: %s\n", a.DedupeKey)
	if a.CycleID != "" {
		fmt.Fprintf(&b, "cycle_id: %s\n", a.CycleID)
	}
	fmt.Fprintf(&b, "raised_at: %s\n", raisedAt.UTC().Format(time.RFC3339))

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := a.Details[k]
		switch v.(type) {
		case string, fmt.Stringer, int, int64, bool:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				fmt.Fprintf(&b, "%s: %v\n", k, v)
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", k, raw)
		}
	}
	return b.String()
}
