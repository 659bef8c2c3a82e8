package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"precalc-backend/internal/core/normalize"
)

const (
	ersiliaInputFile  = "input.csv"
	ersiliaOutputFile = "output.csv"
)

// ErsiliaCLI runs models through the ersilia command line: fetch, serve and run
// against a csv of inputs in a scratch directory.
type ErsiliaCLI struct {
	binary  string
	workDir string
}

func NewErsiliaCLI(binary, workDir string) *ErsiliaCLI {
	return &ErsiliaCLI{binary: binary, workDir: workDir}
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

func (e *ErsiliaCLI) invoke(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = dir

	slog.Info("running ersilia", "args", strings.Join(args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ersilia %s failed: %w: %s", args[1], err, tail(out, 2048))
	}
	return nil
}

func (e *ErsiliaCLI) Run(ctx context.Context, modelId string, inputs []string) (normalize.Table, error) {
	dir, err := os.MkdirTemp(e.workDir, "ersilia-"+modelId+"-")
	if err != nil {
		return normalize.Table{}, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, ersiliaInputFile)
	outputPath := filepath.Join(dir, ersiliaOutputFile)

	input := normalize.Table{Columns: []string{normalize.InputColumn}}
	for _, identity := range inputs {
		input.Rows = append(input.Rows, []string{identity})
	}

	f, err := os.Create(inputPath)
	if err != nil {
		return normalize.Table{}, fmt.Errorf("error creating input file: %w", err)
	}
	if err := normalize.WriteCSV(f, input); err != nil {
		f.Close()
		return normalize.Table{}, err
	}
	if err := f.Close(); err != nil {
		return normalize.Table{}, fmt.Errorf("error closing input file: %w", err)
	}

	steps := [][]string{
		{"-v", "fetch", modelId, "--from_github"},
		{"-v", "serve", modelId, "--no-cache"},
		{"-v", "run", "-i", inputPath, "-o", outputPath},
	}
	for _, args := range steps {
		if err := e.invoke(ctx, dir, args...); err != nil {
			return normalize.Table{}, fmt.Errorf("model %s: %w", modelId, err)
		}
	}

	if err := e.invoke(ctx, dir, "-v", "close"); err != nil {
		slog.Warn("error closing ersilia model", "model_id", modelId, "error", err)
	}

	out, err := os.Open(outputPath)
	if err != nil {
		return normalize.Table{}, fmt.Errorf("model %s produced no output: %w", modelId, err)
	}
	defer out.Close()

	table, err := normalize.ReadCSV(out)
	if err != nil {
		return normalize.Table{}, fmt.Errorf("error reading output of model %s: %w", modelId, err)
	}
	return table, nil
}
