package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/busylight/internal/fileutil"
)

// FormatRecord renders the human-readable status record:
//
//	BUSY: True
//	EVENTS: 1
//	CHECKED: 2026-03-02T09:30:00Z
//	LOOKAHEAD: 1 minutes
func FormatRecord(snap Snapshot) string {
	var b strings.Builder
	busy := "False"
	if snap.Busy {
		busy = "True"
	}
	fmt.Fprintf(&b, "BUSY: %s\n", busy)
	fmt.Fprintf(&b, "EVENTS: %d\n", snap.ActiveEvents)
	fmt.Fprintf(&b, "CHECKED: %s\n", snap.LastCheck.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "LOOKAHEAD: %d minutes\n", int64(snap.Config.LeadTime/time.Minute))
	return b.String()
}

// WriteRecord atomically replaces path with the status record.
func WriteRecord(path string, snap Snapshot) error {
	return fileutil.WriteAtomic(path, []byte(FormatRecord(snap)), 0o644)
}
