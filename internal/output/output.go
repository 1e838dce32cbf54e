// Package output writes the finished result tree to the formats a plan
// requests. Unsupported formats are skipped at resolve time, matching
// the original engine.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"rake/internal/config"
)

// fileExtensions maps supported format types to output extensions.
var fileExtensions = map[string]string{
	"yaml":  "yml",
	"json":  "json",
	"excel": "xlsx",
}

// Target is one resolved output destination.
type Target struct {
	Type      string
	Path      string
	Transform *config.TransformPlan
}

// Resolve maps the plan's output block to concrete targets, dropping
// formats without a writer.
func Resolve(plan config.OutputPlan) []Target {
	path := plan.Path
	if path == "" {
		path = "./"
	}
	name := plan.Name
	if name == "" {
		name = "rake_output"
	}

	var targets []Target
	for _, format := range plan.Formats {
		ext, ok := fileExtensions[format.Type]
		if !ok {
			continue
		}
		targets = append(targets, Target{
			Type:      format.Type,
			Path:      fmt.Sprintf("%s%s.%s", path, name, ext),
			Transform: format.Transform,
		})
	}
	return targets
}

// Write serializes data to the target's path, creating directories as
// needed.
func Write(target Target, data any) error {
	if dir := filepath.Dir(target.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory %s: %w", dir, err)
		}
	}

	switch target.Type {
	case "json":
		return writeJSON(target.Path, data)
	case "yaml":
		return writeYAML(target.Path, data)
	case "excel":
		return writeExcel(target.Path, data)
	}
	return fmt.Errorf("no writer for output format %q", target.Type)
}

func writeJSON(path string, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

func writeYAML(path string, data any) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// writeExcel flattens the tree into a sheet: a sequence of mappings
// becomes one row per entry with the union of keys as the header; any
// other mapping becomes a single header row plus one value row.
func writeExcel(path string, data any) error {
	headers, rows := tabulate(data)

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for c, header := range headers {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, cellValue(row[header])); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func tabulate(data any) ([]string, []map[string]any) {
	switch v := data.(type) {
	case []any:
		seen := map[string]bool{}
		var headers []string
		var rows []map[string]any
		for _, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				row = map[string]any{"value": item}
			}
			for k := range row {
				if !seen[k] {
					seen[k] = true
					headers = append(headers, k)
				}
			}
			rows = append(rows, row)
		}
		sort.Strings(headers)
		return headers, rows
	case map[string]any:
		headers := make([]string, 0, len(v))
		for k := range v {
			headers = append(headers, k)
		}
		sort.Strings(headers)
		return headers, []map[string]any{v}
	}
	return []string{"value"}, []map[string]any{{"value": data}}
}

// cellValue keeps scalars as-is and renders containers as JSON so the
// sheet stays readable.
func cellValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
	return v
}
