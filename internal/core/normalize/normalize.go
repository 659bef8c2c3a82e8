package normalize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"precalc-backend/internal/core/types"
)

const (
	KeyColumn   = "key"
	InputColumn = "input"
)

// Identity keys look like InChIKeys: 14 letters, 10 letters, 1 letter.
var inputKeyPattern = regexp.MustCompile(`^[A-Z]{14}-[A-Z]{10}-[A-Z]$`)

func ValidInputKey(key string) bool {
	return inputKeyPattern.MatchString(key)
}

type Table struct {
	Columns []string
	Rows    [][]string
}

type Normalizer struct {
	EnforceSchema bool
}

func NewNormalizer(enforceSchema bool) *Normalizer {
	return &Normalizer{EnforceSchema: enforceSchema}
}

// Normalize converts executor output into predictions for modelId. The first two
// columns identify the input, every remaining column is folded positionally into
// the output vector. Either every row is converted or a SchemaValidationError
// listing all problems is returned.
func (n *Normalizer) Normalize(table Table, modelId string) ([]types.Prediction, error) {
	issues := n.checkHeader(table.Columns)
	if len(table.Columns) < 3 {
		return nil, &types.SchemaValidationError{ModelId: modelId, Issues: issues}
	}

	outputCols := table.Columns[2:]
	predictions := make([]types.Prediction, 0, len(table.Rows))

	for i, row := range table.Rows {
		if len(row) != len(table.Columns) {
			issues = append(issues, rowWidthIssues(table.Columns, row, i)...)
			continue
		}

		key, input := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])

		if n.EnforceSchema {
			if !ValidInputKey(key) {
				issues = append(issues, types.ColumnIssue{
					Column: table.Columns[0], Row: i, Kind: types.IssueMistyped,
					Detail: fmt.Sprintf("value %q does not match %s", key, inputKeyPattern.String()),
				})
			}
			if input == "" {
				issues = append(issues, types.ColumnIssue{
					Column: table.Columns[1], Row: i, Kind: types.IssueMistyped, Detail: "empty input",
				})
			}
		}

		output := make([]any, 0, len(outputCols))
		for j, cell := range row[2:] {
			value, ok := parseCell(cell)
			if !ok && n.EnforceSchema {
				issues = append(issues, types.ColumnIssue{
					Column: outputCols[j], Row: i, Kind: types.IssueMistyped, Detail: "empty output value",
				})
			}
			output = append(output, value)
		}

		predictions = append(predictions, types.Prediction{
			ModelId:  modelId,
			InputKey: key,
			Input:    input,
			Output:   output,
		})
	}

	if len(issues) > 0 {
		slog.Warn("rejecting executor output", "model_id", modelId, "issues", len(issues))
		return nil, &types.SchemaValidationError{ModelId: modelId, Issues: issues}
	}

	return predictions, nil
}

func (n *Normalizer) checkHeader(columns []string) []types.ColumnIssue {
	var issues []types.ColumnIssue

	expected := []string{KeyColumn, InputColumn}
	for i, name := range expected {
		if i >= len(columns) {
			issues = append(issues, types.ColumnIssue{Column: name, Row: -1, Kind: types.IssueMissing, Detail: "identity column not present"})
			continue
		}
		if n.EnforceSchema && strings.TrimSpace(columns[i]) != name {
			issues = append(issues, types.ColumnIssue{
				Column: columns[i], Row: -1, Kind: types.IssueUnexpected,
				Detail: fmt.Sprintf("expected identity column %q at position %d", name, i),
			})
		}
	}

	if len(columns) < 3 {
		issues = append(issues, types.ColumnIssue{Column: "output", Row: -1, Kind: types.IssueMissing, Detail: "at least one output column is required"})
	}

	return issues
}

func rowWidthIssues(columns []string, row []string, rowIdx int) []types.ColumnIssue {
	var issues []types.ColumnIssue
	for j := len(row); j < len(columns); j++ {
		issues = append(issues, types.ColumnIssue{Column: columns[j], Row: rowIdx, Kind: types.IssueMissing, Detail: "no value"})
	}
	for j := len(columns); j < len(row); j++ {
		issues = append(issues, types.ColumnIssue{Column: fmt.Sprintf("#%d", j), Row: rowIdx, Kind: types.IssueUnexpected, Detail: "value without a column"})
	}
	return issues
}

// parseCell returns numbers as float64 and anything else as the trimmed string.
// The bool is false for empty cells.
func parseCell(cell string) (any, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, false
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f, true
	}
	return cell, true
}
