package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats records as JSON.
type JSONFormatter struct{}

// FormatList formats a record list as an indented JSON array.
func (f *JSONFormatter) FormatList(list List) (string, error) {
	if len(list.TableRows()) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal records to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
