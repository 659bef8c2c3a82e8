package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"precalc-backend/internal/core/normalize"

	"github.com/go-resty/resty/v2"
)

// HTTPExecutor posts inputs to a model server at
// <base url>/models/<model id>/run.
type HTTPExecutor struct {
	client *resty.Client
}

func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	client := resty.New().SetBaseURL(baseURL)
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPExecutor{client: client}
}

type runRequest struct {
	Inputs []string `json:"inputs"`
}

type runResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func formatCell(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func (e *HTTPExecutor) Run(ctx context.Context, modelId string, inputs []string) (normalize.Table, error) {
	res, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(runRequest{Inputs: inputs}).
		Post("/models/" + url.PathEscape(modelId) + "/run")
	if err != nil {
		return normalize.Table{}, fmt.Errorf("error calling model server for %s: %w", modelId, err)
	}
	if !res.IsSuccess() {
		return normalize.Table{}, fmt.Errorf("model server returned status %d for %s: %s", res.StatusCode(), modelId, res.String())
	}

	var body runResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return normalize.Table{}, fmt.Errorf("error parsing model server response for %s: %w", modelId, err)
	}

	table := normalize.Table{Columns: body.Columns, Rows: make([][]string, 0, len(body.Rows))}
	for i, row := range body.Rows {
		cells := make([]string, 0, len(row))
		for _, v := range row {
			cell, err := formatCell(v)
			if err != nil {
				return normalize.Table{}, fmt.Errorf("row %d of model %s: %w", i, modelId, err)
			}
			cells = append(cells, cell)
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}
