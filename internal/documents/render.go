// Package documents renders sale receipts and moves them to remote blob
// storage.
package documents

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/schema"
)

// Receipt is everything printed on a ticket.
type Receipt struct {
	StoreName     string
	SaleNumber    string
	Date          time.Time
	PaymentMethod schema.PaymentMethod
	CustomerName  string
	CustomerDoc   string
	CustomerEmail string
	Lines         []schema.LineSnapshot

	Discount           decimal.Decimal
	SubtotalWithoutTax decimal.Decimal
	TaxAmount          decimal.Decimal
	Total              decimal.Decimal
}

// ReceiptFromResult builds the receipt of a fresh checkout.
func ReceiptFromResult(res *checkout.Result) Receipt {
	return Receipt{
		SaleNumber:         res.SaleNumber,
		Date:               res.CreatedAt,
		PaymentMethod:      res.PaymentMethod,
		CustomerName:       res.Customer.Name,
		CustomerDoc:        res.Customer.Document,
		CustomerEmail:      res.Customer.Email,
		Lines:              res.Lines,
		Discount:           res.Totals.DiscountAmount,
		SubtotalWithoutTax: res.Totals.SubtotalWithoutTax,
		TaxAmount:          res.Totals.TaxAmount,
		Total:              res.Totals.Total,
	}
}

// ReceiptFromPending rebuilds a receipt from an outbox row. The row does not
// keep the tax breakdown, so only the total is printed.
func ReceiptFromPending(p *schema.PendingSale) (Receipt, error) {
	lines, err := p.Lines()
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		SaleNumber:    p.SaleNumber,
		Date:          p.CreatedAt,
		PaymentMethod: p.PaymentMethod,
		CustomerName:  p.CustomerName,
		CustomerDoc:   p.CustomerDocument,
		CustomerEmail: p.CustomerEmail,
		Lines:         lines,
		Total:         p.Total,
	}, nil
}

// Renderer turns a receipt into document bytes. Implementations must not
// touch the network.
type Renderer interface {
	Render(r Receipt) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(r Receipt) ([]byte, error)

// Render implements Renderer.
func (f RendererFunc) Render(r Receipt) ([]byte, error) {
	return f(r)
}

// PDFRenderer lays a receipt out on an 80mm ticket.
type PDFRenderer struct {
	StoreName string
}

const (
	ticketWidth  = 80.0
	ticketMargin = 4.0
	lineHeight   = 4.5
)

// Render implements Renderer.
func (r PDFRenderer) Render(rc Receipt) ([]byte, error) {
	height := 90.0 + float64(len(rc.Lines))*lineHeight*2
	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "mm",
		Size:    fpdf.SizeType{Wd: ticketWidth, Ht: height},
	})
	pdf.SetMargins(ticketMargin, ticketMargin, ticketMargin)
	pdf.SetAutoPageBreak(false, ticketMargin)
	pdf.SetCreationDate(rc.Date)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	w := ticketWidth - 2*ticketMargin

	name := rc.StoreName
	if name == "" {
		name = r.StoreName
	}
	if name != "" {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(w, 6, tr(name), "", 1, "C", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(w, 5, tr("Ticket "+rc.SaleNumber), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(w, lineHeight, rc.Date.Local().Format("02/01/2006 15:04"), "", 1, "C", false, 0, "")
	pdf.CellFormat(w, lineHeight, tr("Payment: "+string(rc.PaymentMethod)), "", 1, "C", false, 0, "")

	if rc.CustomerName != "" {
		pdf.Ln(2)
		pdf.CellFormat(w, lineHeight, tr("Customer: "+rc.CustomerName), "", 1, "L", false, 0, "")
		if rc.CustomerDoc != "" {
			pdf.CellFormat(w, lineHeight, tr("Document: "+rc.CustomerDoc), "", 1, "L", false, 0, "")
		}
	}

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(w*0.55, lineHeight, "Item", "B", 0, "L", false, 0, "")
	pdf.CellFormat(w*0.15, lineHeight, "Qty", "B", 0, "R", false, 0, "")
	pdf.CellFormat(w*0.30, lineHeight, "Amount", "B", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	for _, l := range rc.Lines {
		pdf.CellFormat(w*0.55, lineHeight, tr(truncate(l.Name, 28)), "", 0, "L", false, 0, "")
		pdf.CellFormat(w*0.15, lineHeight, fmt.Sprintf("%d", l.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(w*0.30, lineHeight, l.Subtotal.StringFixed(2), "", 1, "R", false, 0, "")
		pdf.SetFont("Helvetica", "I", 7)
		pdf.CellFormat(w, lineHeight, fmt.Sprintf("  %d x %s", l.Quantity, l.UnitPrice.StringFixed(2)), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 8)
	}

	pdf.Ln(2)
	if !rc.SubtotalWithoutTax.IsZero() {
		if rc.Discount.IsPositive() {
			totalRow(pdf, w, "Discount", "-"+rc.Discount.StringFixed(2))
		}
		totalRow(pdf, w, "Subtotal", rc.SubtotalWithoutTax.StringFixed(2))
		totalRow(pdf, w, "Tax", rc.TaxAmount.StringFixed(2))
	}
	pdf.SetFont("Helvetica", "B", 10)
	totalRow(pdf, w, "TOTAL", rc.Total.StringFixed(2))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render receipt %s: %w", rc.SaleNumber, err)
	}
	return buf.Bytes(), nil
}

func totalRow(pdf *fpdf.Fpdf, w float64, label, amount string) {
	pdf.CellFormat(w*0.6, lineHeight+1, label, "", 0, "R", false, 0, "")
	pdf.CellFormat(w*0.4, lineHeight+1, amount, "", 1, "R", false, 0, "")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
