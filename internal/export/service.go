package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

const sheet = "Listings"

// ListingQuerier is the read side of the listing store used for exports.
type ListingQuerier interface {
	QueryByFilter(ctx context.Context, f *repository.Filter, limit int) ([]*entity.Listing, error)
}

// Service produces XLSX bytes for listing exports.
type Service struct {
	listings ListingQuerier
	logger   *slog.Logger
}

func NewService(listings ListingQuerier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{listings: listings, logger: logger}
}

var headers = []string{
	"Make",
	"Model",
	"Year",
	"Trim",
	"Price",
	"Currency",
	"Odometer (km)",
	"Fuel",
	"Transmission",
	"Body",
	"Color",
	"Source",
	"External ID",
	"URL",
	"Financing Only",
	"Other Info",
}

// ExportListingsXLSX returns a workbook of the listings matching f, at most
// limit rows (0 means no limit).
func (s *Service) ExportListingsXLSX(ctx context.Context, f *repository.Filter, limit int) ([]byte, error) {
	start := time.Now()

	rows, err := s.listings.QueryByFilter(ctx, f, limit)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}

	book := excelize.NewFile()
	defer func() { _ = book.Close() }()
	// rename the default sheet rather than leaving an empty Sheet1 behind
	if err := book.SetSheetName(book.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = book.SetCellValue(sheet, cell, h)
	}
	bold, err := book.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = book.SetCellStyle(sheet, "A1", last, bold)
	}

	for i, l := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = book.SetCellValue(sheet, cell, v)
		}
		write(1, l.Make)
		write(2, l.Model)
		write(3, l.Year)
		write(4, l.Trim)
		write(5, l.Price)
		write(6, l.Currency)
		if l.OdometerKM != nil {
			write(7, *l.OdometerKM)
		}
		write(8, deref(l.FuelType))
		write(9, deref(l.Transmission))
		write(10, deref(l.BodyType))
		write(11, deref(l.Color))
		write(12, l.Source)
		write(13, l.ExternalID)
		write(14, l.URL)
		write(15, l.Ignore)
		write(16, truncate(deref(l.OtherInfo), 140))
	}

	_ = book.SetColWidth(sheet, "A", "D", 16)
	_ = book.SetColWidth(sheet, "E", "G", 14)
	_ = book.SetColWidth(sheet, "H", "K", 14)
	_ = book.SetColWidth(sheet, "L", "M", 22)
	_ = book.SetColWidth(sheet, "N", "N", 60) // url
	_ = book.SetColWidth(sheet, "P", "P", 48)
	_ = book.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := book.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(rows),
		"filters", len(f.Conditions()),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
