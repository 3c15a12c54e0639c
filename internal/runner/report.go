package runner

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"sitepulse/internal/results"
	"sitepulse/internal/timeframe"
)

// WriteReportCSV writes the final report in its flat tabular form
// (id,date,site,data_id,value), the sole externally consumed artifact of a
// run besides the persisted rows themselves.
func WriteReportCSV(w io.Writer, rows []results.ComputedValue) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"id", "date", "site", "data_id", "value"}); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			strconv.FormatUint(uint64(row.ID), 10),
			row.Month.Format(timeframe.DateFormat),
			strconv.FormatUint(uint64(row.SiteID), 10),
			strconv.FormatUint(uint64(row.MetricID), 10),
			strconv.FormatFloat(row.Value, 'f', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write report row %d: %w", row.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
