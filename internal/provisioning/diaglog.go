package provisioning

import (
	"fmt"
	"strings"
	"time"
)

// DiagnosticLog records every phase transition and BLE callback for one
// provisioning session, exportable as a flat artifact for offline debugging.
// It lives and dies with the session.
type DiagnosticLog struct {
	startedAt time.Time
	entries   []diagEntry
	now       func() time.Time
}

type diagEntry struct {
	at      time.Time
	message string
}

func newDiagnosticLog(now func() time.Time) *DiagnosticLog {
	return &DiagnosticLog{startedAt: now(), now: now}
}

func (d *DiagnosticLog) appendf(format string, args ...any) {
	d.entries = append(d.entries, diagEntry{at: d.now(), message: fmt.Sprintf(format, args...)})
}

// Len reports the number of recorded entries.
func (d *DiagnosticLog) Len() int { return len(d.entries) }

// Export renders the log as a flat text artifact.
func (d *DiagnosticLog) Export() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provisioning session started %s\n", d.startedAt.Format(time.RFC3339Nano))
	for _, e := range d.entries {
		fmt.Fprintf(&b, "%s %s\n", e.at.Format(time.RFC3339Nano), e.message)
	}
	return b.String()
}
