package stats

import (
	"encoding/csv"
	"fmt"
	"io"
)

// exportHeader is the fixed column set of the recipient export.
var exportHeader = []string{"email", "name", "sent", "opened", "clicked", "unsubscribed", "country", "city"}

// WriteCSV streams the per-recipient export for a campaign. Rows are ordered
// by email; boolean columns render as yes/no.
func (a *Aggregator) WriteCSV(w io.Writer, campaignID string) error {
	rows, err := a.recipients.ExportRows(campaignID)
	if err != nil {
		return fmt.Errorf("loading export rows: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Email,
			row.Name,
			yesNo(row.Sent),
			yesNo(row.Opened),
			yesNo(row.Clicked),
			yesNo(row.Unsubscribed),
			row.Country,
			row.City,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
