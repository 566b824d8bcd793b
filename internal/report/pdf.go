package report

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"example.com/hsmgate/internal/common"
)

// SaveSessionPDF renders the session report into a PDF document.
func SaveSessionPDF(rep SessionReport, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Firmware Upload Report", false)
	pdf.SetAuthor("hsmctl", false)
	pdf.SetCreator("hsmctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "Firmware Upload Report")
	addSummarySection(pdf, rep)
	addDigestSection(pdf, rep)
	addEventsSection(pdf, rep.Events)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, rep SessionReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	result := rep.ResultCode
	if rep.ResultText != "" {
		result += " " + rep.ResultText
	}
	items := []struct {
		label string
		value string
	}{
		{label: "Session", value: emptyFallback(rep.SessionID, "-")},
		{label: "Completed", value: emptyFallback(rep.CompletedAt, "-")},
		{label: "Gateway", value: emptyFallback(rep.GatewayID, "-")},
		{label: "Device", value: emptyFallback(rep.DeviceStatus, "-")},
		{label: "Result", value: result},
		{label: "Outcome", value: okLabel(rep.Ok)},
		{label: "Firmware", value: common.FormatBytes(rep.FirmwareBytes) + " in " + strconv.Itoa(rep.Chunks) + " chunks"},
		{label: "Manifest", value: common.FormatBytes(rep.ManifestBytes)},
	}
	if rep.Failure != "" {
		items = append(items, struct{ label, value string }{label: "Failure", value: rep.Failure})
	}
	for _, item := range items {
		pdf.CellFormat(40, 6, item.label, "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 6, item.value, "", "L", false)
	}
	pdf.Ln(4)
}

func addDigestSection(pdf *gofpdf.Fpdf, rep SessionReport) {
	if rep.ManifestDigest == "" {
		return
	}
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Manifest Digest")
	pdf.Ln(9)

	pdf.SetFont("Courier", "", 9)
	pdf.MultiCell(0, 5, rep.ManifestDigest, "", "L", false)
	pdf.Ln(2)

	png, err := DigestQR(rep.ManifestDigest, 256)
	if err != nil {
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("manifest-digest-qr", opts, bytes.NewReader(png))
	pdf.ImageOptions("manifest-digest-qr", pdf.GetX(), pdf.GetY(), 32, 32, false, opts, 0, "")
	pdf.Ln(36)
}

func addEventsSection(pdf *gofpdf.Fpdf, events []common.Event) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Session Events")
	pdf.Ln(9)

	if len(events) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No events recorded.", "", "L", false)
		return
	}

	headers := []string{"Seq", "Time", "Kind", "State", "Code", "Bytes", "Detail"}
	widths := []float64{10, 20, 20, 30, 16, 16, 68}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	lineHeight := 5.0
	for _, ev := range events {
		values := []string{
			strconv.FormatUint(ev.Seq, 10),
			ev.Ts.Format("15:04:05"),
			ev.Kind,
			emptyFallback(ev.State, "-"),
			emptyFallback(ev.Code, "-"),
			strconv.FormatInt(ev.Bytes, 10),
			emptyFallback(ev.Detail, "-"),
		}
		renderTableRow(pdf, widths, values, lineHeight)
	}
	pdf.Ln(4)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		cellText := strings.Join(lines, "\n")
		pdf.MultiCell(widths[i], lineHeight, cellText, "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func okLabel(ok bool) string {
	if ok {
		return "APPLIED"
	}
	return "NOT APPLIED"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
