package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/sakihiromi/well-scenario/internal/scenario"
)

// utf8BOM lets spreadsheet applications detect the encoding.
const utf8BOM = "\ufeff"

// WriteCSV writes doc as a UTF-8 CSV with a byte-order mark. Columns are
// speaker, text and one column per metric holding the human score, empty
// where the utterance has not been reviewed.
func WriteCSV(w io.Writer, doc *scenario.Output) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("store: write csv: %w", err)
	}
	cw := csv.NewWriter(w)

	header := []string{"Speaker", "Content"}
	for _, m := range scenario.Metrics {
		header = append(header, m.Name)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("store: write csv: %w", err)
	}

	row := make([]string, len(header))
	for _, u := range doc.Scenario {
		row[0], row[1] = u.Speaker, u.Text
		for i, m := range scenario.Metrics {
			row[2+i] = ""
			if s, ok := u.HumanScoreFor(m.Name); ok {
				row[2+i] = strconv.Itoa(s)
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("store: write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("store: write csv: %w", err)
	}
	return nil
}
