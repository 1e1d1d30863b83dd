package runstore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/MrWong99/endill/internal/pipeline"
)

// csvHeader is the first row written by [WriteCSV].
var csvHeader = []string{"start", "end", "speaker", "label", "text"}

// WriteJSON writes r as an indented JSON document.
func WriteJSON(w io.Writer, r *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("runstore: export json: %w", err)
	}
	return nil
}

// WriteCSV writes one row per classified segment of r, preceded by a header
// row. Segments without a speaker have an empty speaker column.
func WriteCSV(w io.Writer, r *pipeline.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("runstore: export csv: %w", err)
	}
	for _, s := range r.Segments {
		speaker := ""
		if s.Speaker != nil {
			speaker = *s.Speaker
		}
		row := []string{
			strconv.FormatFloat(s.Start, 'f', -1, 64),
			strconv.FormatFloat(s.End, 'f', -1, 64),
			speaker,
			string(s.Label),
			s.Text,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("runstore: export csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("runstore: export csv: %w", err)
	}
	return nil
}
