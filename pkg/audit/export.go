package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// CSVHeader is the fixed export column order
const CSVHeader = "ID,Date,User,School,Action,Entity Type,Entity ID,Description,IP Address"

// WriteCSV renders entries in export column order. Missing values render
// as N/A, and a missing school as System.
func WriteCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(strings.Split(CSVHeader, ",")); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			orDefault(e.UserName, "N/A"),
			orDefault(e.SchoolName, "System"),
			e.Action,
			orDefault(e.EntityType, "N/A"),
			orDefault(e.EntityID, "N/A"),
			e.Description,
			orDefault(e.IPAddress, "N/A"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteNDJSON writes one JSON object per line
func WriteNDJSON(w io.Writer, entries []*Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.ID, err)
		}
	}
	return nil
}

// ExportFilename is the download name for a CSV export made at now
func ExportFilename(now time.Time) string {
	return "activity_logs_" + now.UTC().Format("2006-01-02") + ".csv"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
