package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export writes entries to w in the requested format. CSV flattens the
// change summary into count columns; JSON and NDJSON carry the full entry.
func Export(w io.Writer, entries []*Entry, format ExportFormat) error {
	switch format {
	case ExportFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case ExportFormatNDJSON:
		enc := json.NewEncoder(w)
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return fmt.Errorf("failed to encode entry %d: %w", entry.ID, err)
			}
		}
		return nil
	case ExportFormatCSV:
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %q", format)
	}
}

func exportCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "timestamp", "company_id", "actor_id", "action",
		"entity_type", "entity_id", "added_count", "removed_count",
		"allow_count", "deny_count",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		var added, removed, allowed, denied int
		if entry.Changes != nil {
			added = entry.Changes.AddedCount
			removed = entry.Changes.RemovedCount
			allowed = entry.Changes.AllowCount
			denied = entry.Changes.DenyCount
		}
		record := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			strconv.FormatInt(entry.CompanyID, 10),
			strconv.FormatInt(entry.ActorID, 10),
			string(entry.Action),
			string(entry.EntityType),
			strconv.FormatInt(entry.EntityID, 10),
			strconv.Itoa(added),
			strconv.Itoa(removed),
			strconv.Itoa(allowed),
			strconv.Itoa(denied),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
