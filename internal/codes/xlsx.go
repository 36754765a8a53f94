// Package codes imports billing code catalogs (CPT, PLA, HCPCS) from payer
// XLSX exports into the relational store for code-hash cross-referencing.
package codes

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/db"
	"github.com/openonco/coverage-cli/internal/multihash"
)

// Code is one catalog entry.
type Code struct {
	Code        string
	Description string
}

// XLSXOptions configures the catalog parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// codeHeaders and descriptionHeaders are the column names payer exports use,
// compared case-insensitively.
var (
	codeHeaders        = []string{"code", "cpt", "cpt code", "hcpcs", "pla code", "procedure code"}
	descriptionHeaders = []string{"description", "descriptor", "long description", "procedure description"}
)

// ReadXLSX reads a billing code catalog from an XLSX export. The header row
// locates the code and description columns; rows whose code cell does not
// normalize to a valid CPT/PLA/HCPCS code are skipped with a warning.
func ReadXLSX(path string, opts XLSXOptions) ([]Code, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "codes: open %s", path)
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("codes: sheet in %s is empty", path)
	}

	codeCol, descCol, err := locateColumns(rowToStrings(sheet.Rows[0]))
	if err != nil {
		return nil, eris.Wrapf(err, "codes: %s", path)
	}

	var out []Code
	seen := make(map[string]bool)
	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if codeCol >= len(cells) {
			continue
		}

		normalized := multihash.NormalizeCodes([]string{cells[codeCol]})
		if len(normalized) == 0 {
			if strings.TrimSpace(cells[codeCol]) != "" {
				zap.L().Warn("codes: skipping unrecognized code",
					zap.String("cell", cells[codeCol]))
			}
			continue
		}
		code := normalized[0]
		if seen[code] {
			continue
		}
		seen[code] = true

		c := Code{Code: code}
		if descCol >= 0 && descCol < len(cells) {
			c.Description = strings.TrimSpace(cells[descCol])
		}
		out = append(out, c)
	}
	return out, nil
}

const billingCodesTable = "billing_codes"

var billingCodesColumns = []string{"code", "description", "imported_at"}

// Import loads a catalog file and bulk-upserts it into billing_codes.
func Import(ctx context.Context, pool db.Pool, path string, opts XLSXOptions) (int64, error) {
	codes, err := ReadXLSX(path, opts)
	if err != nil {
		return 0, err
	}
	if len(codes) == 0 {
		return 0, nil
	}

	rows := catalogRows(codes)

	n, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        billingCodesTable,
		Columns:      billingCodesColumns,
		ConflictKeys: []string{"code"},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "codes: import %s", path)
	}
	return n, nil
}

// Replace reloads the catalog wholesale: truncate, then COPY. Used when a
// payer export is the authoritative full catalog rather than a delta.
func Replace(ctx context.Context, pool db.Pool, path string, opts XLSXOptions) (int64, error) {
	codes, err := ReadXLSX(path, opts)
	if err != nil {
		return 0, err
	}

	if _, err := pool.Exec(ctx, "TRUNCATE "+billingCodesTable); err != nil {
		return 0, eris.Wrap(err, "codes: truncate catalog")
	}
	if len(codes) == 0 {
		return 0, nil
	}

	n, err := db.CopyFrom(ctx, pool, billingCodesTable, billingCodesColumns, catalogRows(codes))
	if err != nil {
		return 0, eris.Wrapf(err, "codes: replace from %s", path)
	}
	return n, nil
}

func catalogRows(codes []Code) [][]any {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, []any{c.Code, c.Description, now})
	}
	return rows
}

func locateColumns(header []string) (codeCol, descCol int, err error) {
	codeCol, descCol = -1, -1
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if codeCol < 0 && contains(codeHeaders, name) {
			codeCol = i
		}
		if descCol < 0 && contains(descriptionHeaders, name) {
			descCol = i
		}
	}
	if codeCol < 0 {
		return 0, 0, eris.Errorf("no code column in header %v", header)
	}
	return codeCol, descCol, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("codes: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("codes: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
