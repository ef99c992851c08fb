package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/cgmerge/internal/merge"
	"sigs.k8s.io/yaml"
)

// Output formats accepted by --output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// ParseOutputFormat normalizes --output.
func ParseOutputFormat(raw string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON, OutputYAML:
		return v, nil
	default:
		return "", fmt.Errorf("invalid output format %q (want text, json or yaml)", raw)
	}
}

// WriteSummary prints s as JSON or YAML. Text summaries come from Console.Finish.
func WriteSummary(w io.Writer, format string, s merge.Summary) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case OutputYAML:
		b, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		_, err = w.Write(b)
		return err
	default:
		return fmt.Errorf("summary format %q is not structured", format)
	}
}
