// Package export はジョブ結果のJSONを表計算ファイルに書き出します。
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	resultSheet   = "Result"
	findingsSheet = "Findings"
	summarySheet  = "Summary"
)

// Finding は検証サービスが返す1件の指摘です。
type Finding struct {
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Details   string   `json:"details"`
	Documents []string `json:"documents"`
}

// ValidationSummary は結果に含まれる validation の集計です。
type ValidationSummary struct {
	TotalChecks int       `json:"totalChecks"`
	Passed      int       `json:"passed"`
	Warnings    int       `json:"warnings"`
	Errors      int       `json:"errors"`
	Findings    []Finding `json:"findings"`
}

// Summarize は結果の validation 部分を取り出します。含まれていない場合は false を返します。
func Summarize(result json.RawMessage) (*ValidationSummary, bool) {
	var envelope struct {
		Validation *ValidationSummary `json:"validation"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil || envelope.Validation == nil {
		return nil, false
	}
	return envelope.Validation, true
}

// Row はフラット化した結果の1行です。
type Row struct {
	Path  string
	Value any
}

// Flatten は任意のJSONを "a.b[0].c" 形式のパスと値の組に展開します。
// オブジェクトのキーは辞書順に並べます。
func Flatten(result json.RawMessage) ([]Row, error) {
	dec := json.NewDecoder(bytes.NewReader(result))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	var rows []Row
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch t := v.(type) {
		case map[string]any:
			if len(t) == 0 {
				rows = append(rows, Row{Path: path, Value: "{}"})
				return
			}
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				next := k
				if path != "" {
					next = path + "." + k
				}
				walk(next, t[k])
			}
		case []any:
			if len(t) == 0 {
				rows = append(rows, Row{Path: path, Value: "[]"})
				return
			}
			for i, item := range t {
				walk(path+"["+strconv.Itoa(i)+"]", item)
			}
		case json.Number:
			if f, err := t.Float64(); err == nil {
				rows = append(rows, Row{Path: path, Value: f})
			} else {
				rows = append(rows, Row{Path: path, Value: t.String()})
			}
		case nil:
			rows = append(rows, Row{Path: path, Value: ""})
		default:
			rows = append(rows, Row{Path: path, Value: t})
		}
	}
	walk("", root)
	return rows, nil
}

// WriteWorkbook は結果を xlsx として w に書き出します。
// validation を含む結果の場合は Summary と Findings のシートも追加します。
func WriteWorkbook(w io.Writer, result json.RawMessage) error {
	rows, err := Flatten(result)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	writeRow(f, resultSheet, 1, "Path", "Value")
	for i, r := range rows {
		writeRow(f, resultSheet, i+2, r.Path, r.Value)
	}
	_ = f.SetColWidth(resultSheet, "A", "A", 40)
	_ = f.SetColWidth(resultSheet, "B", "B", 60)

	if summary, ok := Summarize(result); ok {
		if _, err := f.NewSheet(summarySheet); err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		writeRow(f, summarySheet, 1, "Total Checks", "Passed", "Warnings", "Errors")
		writeRow(f, summarySheet, 2, summary.TotalChecks, summary.Passed, summary.Warnings, summary.Errors)

		if _, err := f.NewSheet(findingsSheet); err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		writeRow(f, findingsSheet, 1, "Type", "Title", "Details", "Documents")
		for i, fd := range summary.Findings {
			writeRow(f, findingsSheet, i+2, fd.Type, fd.Title, fd.Details, strings.Join(fd.Documents, ", "))
		}
		_ = f.SetColWidth(findingsSheet, "B", "B", 36)
		_ = f.SetColWidth(findingsSheet, "C", "C", 60)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}
