package parser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"
)

// XLSXParser reads the first non-empty sheet of a workbook, or the sheet
// named by Sheet when set.
type XLSXParser struct {
	Sheet string
}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xlsm"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if p.Sheet != "" {
		sheets = []string{p.Sheet}
	}

	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			slog.Warn("parser: skipping unreadable sheet", "file", path, "sheet", sheet, "error", err)
			continue
		}
		if len(rows) < 2 {
			continue
		}
		return buildTable(path, sheet, rows)
	}

	return nil, fmt.Errorf("no data found in XLSX")
}
