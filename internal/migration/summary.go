package migration

import (
	"encoding/json"
	"strings"
)

// SummaryMessage is the log message the migrate entry point emits once
// it has applied pending migrations.
const SummaryMessage = "migration summary"

// Summary is the structured result reported by the migration task.
type Summary struct {
	Applied int   `json:"applied"`
	Version int64 `json:"version"`
	Pending int   `json:"pending"`
}

// ParseSummary finds the last summary record in the task output. Lines may
// carry a prefix added by the log driver before the JSON object.
func ParseSummary(lines []string) (Summary, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		start := strings.IndexByte(line, '{')
		if start < 0 || !strings.Contains(line, SummaryMessage) {
			continue
		}
		var record struct {
			Msg string `json:"msg"`
			Summary
		}
		if err := json.Unmarshal([]byte(line[start:]), &record); err != nil {
			continue
		}
		if record.Msg == SummaryMessage {
			return record.Summary, true
		}
	}
	return Summary{}, false
}
