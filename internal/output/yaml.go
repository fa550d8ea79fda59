package output

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats records as YAML.
type YAMLFormatter struct{}

// FormatList formats a record list as a single YAML sequence.
func (f *YAMLFormatter) FormatList(list List) (string, error) {
	if len(list.TableRows()) == 0 {
		return "", nil
	}

	data, err := yaml.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal records to YAML: %w", err)
	}

	return string(data), nil
}
