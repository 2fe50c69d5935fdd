// Package export writes a search's ranked leads to spreadsheet files.
package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/leadgen/internal/model"
)

var columns = []string{
	"Rank", "Score", "Name", "Website", "Phone",
	"Street", "City", "State", "Zip",
	"ICP", "Pain", "Reachability", "ComplianceRisk",
}

func leadRow(l model.Lead) []string {
	return []string{
		strconv.Itoa(l.Ranking.Rank),
		strconv.Itoa(l.Ranking.Score),
		l.Business.Name,
		l.Business.Website,
		l.Business.Phone,
		l.Business.Address.Street,
		l.Business.Address.City,
		l.Business.Address.State,
		l.Business.Address.Zip,
		strconv.Itoa(l.Ranking.Subscores.ICP),
		strconv.Itoa(l.Ranking.Subscores.Pain),
		strconv.Itoa(l.Ranking.Subscores.Reachability),
		strconv.Itoa(l.Ranking.Subscores.ComplianceRisk),
	}
}

// WriteXLSX writes leads to an xlsx workbook at path.
func WriteXLSX(path string, leads []model.Lead) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range columns {
		header.AddCell().Value = col
	}
	for _, l := range leads {
		row := sheet.AddRow()
		for _, cell := range leadRow(l) {
			row.AddCell().Value = cell
		}
	}

	return eris.Wrapf(f.Save(path), "export: save %s", path)
}

// WriteCSV writes leads as CSV to w.
func WriteCSV(w io.Writer, leads []model.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, l := range leads {
		if err := cw.Write(leadRow(l)); err != nil {
			return eris.Wrapf(err, "export: write lead %s", l.Business.Name)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush")
}
