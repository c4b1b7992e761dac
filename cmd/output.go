package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#54A0FF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969"))
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969")).Italic(true)
)

// render writes v as YAML or JSON, or as a table built from headers and rows.
func render(w io.Writer, format string, v any, headers []string, rows [][]string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, emptyStyle.Render("(none)"))
			return err
		}
		_, err := fmt.Fprintln(w, renderTable(headers, rows))
		return err
	default:
		return fmt.Errorf("unknown output format %q (table, yaml, json)", format)
	}
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// id formats a wire identifier; 65535 is the "absent or invalid" marker.
func id(v uint32) string {
	if v == 65535 {
		return "-"
	}
	return strconv.FormatUint(uint64(v), 10)
}
