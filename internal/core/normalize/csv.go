package normalize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadCSV reads a headered csv into a Table.
func ReadCSV(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, fmt.Errorf("csv is empty")
		}
		return Table{}, fmt.Errorf("error reading csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("error reading csv rows: %w", err)
	}

	return Table{Columns: header, Rows: rows}, nil
}

// ReadColumn reads a single column csv of inputs. When hasHeader is set the
// first record is skipped.
func ReadColumn(r io.Reader, hasHeader bool) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("error reading input csv: %w", err)
	}
	if hasHeader && len(records) > 0 {
		records = records[1:]
	}

	values := make([]string, 0, len(records))
	for _, rec := range records {
		if len(rec) == 0 {
			continue
		}
		values = append(values, rec[0])
	}
	return values, nil
}

func WriteCSV(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return fmt.Errorf("error writing csv rows: %w", err)
	}
	return nil
}
