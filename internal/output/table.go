package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// TableFormatter formats records as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatList formats a record list as an aligned table.
func (f *TableFormatter) FormatList(list List) (string, error) {
	rows := list.TableRows()
	if len(rows) == 0 {
		return "No resources found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	// Write header unless NoHeaders is set
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, strings.Join(list.TableHeaders(), "\t"))
	}

	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	_ = w.Flush()
	return buf.String(), nil
}
