package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	outputYAML = "yaml"
	outputJSON = "json"
)

// writeOutput renders v in the requested format. YAML keys follow the json tags of v.
func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputJSON:
		indented, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", indented)
		return err
	case outputYAML, "":
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		var node yaml.Node
		if err := yaml.Unmarshal(payload, &node); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		blockStyle(&node)
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(&node); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported output format %q (want yaml or json)", format)
	}
}

// blockStyle strips the flow and quoting styles the JSON round trip leaves behind.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, child := range n.Content {
		blockStyle(child)
	}
}
