package howheard

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// ExportTimeFormat is the localized display format used in CSV exports.
const ExportTimeFormat = "01/02/2006 3:04"

var exportHeader = []string{
	"companyName",
	"createdAt",
	"subtotalPrice",
	"orderNumber",
	"customerEmail",
	"customerFirstName",
	"customerLastName",
	"customerOrdersCount",
	"customerTotalSpent",
	"customerCity",
	"customerProvinceCode",
	"customerCountryName",
	"howHeard",
}

// WriteOrdersCSV fetches every order record for the shop and writes the flat
// tabular export projection, with createdAt localized to the shop's
// timezone. An unknown shop produces just the header row.
func (w *Windower) WriteOrdersCSV(ctx context.Context, shopName string, out io.Writer) error {
	records, loc, err := w.fetch(ctx, shopName, "", "")
	if err != nil {
		return err
	}

	writer := csv.NewWriter(out)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(exportRow(rec, loc)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func exportRow(rec OrderRecord, loc *time.Location) []string {
	return []string{
		rec.CompanyName,
		rec.CreatedAt.In(loc).Format(ExportTimeFormat),
		rec.SubtotalPrice,
		strconv.FormatInt(rec.OrderNumber, 10),
		rec.CustomerEmail,
		rec.CustomerFirstName,
		rec.CustomerLastName,
		strconv.FormatInt(rec.CustomerOrdersCount, 10),
		rec.CustomerTotalSpent,
		rec.CustomerCity,
		rec.CustomerProvinceCode,
		rec.CustomerCountryName,
		rec.HowHeard,
	}
}
