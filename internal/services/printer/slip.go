package printer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"
)

// SlipData is what a printed upload slip shows
type SlipData struct {
	ChurchName string    `json:"churchName"`
	RecordType string    `json:"recordType"`
	SessionID  string    `json:"sessionId"`
	PIN        string    `json:"pin"`
	VerifyURL  string    `json:"verifyUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
	QRCode     []byte    `json:"-"`
}

// GenerateSessionSlip renders an A6 slip with the verification QR code and PIN.
// The QR code is encoded from VerifyURL when QRCode is empty.
func GenerateSessionSlip(data SlipData) ([]byte, error) {
	if data.VerifyURL == "" && len(data.QRCode) == 0 {
		return nil, fmt.Errorf("slip needs a verify url or qr image")
	}

	qrPng := data.QRCode
	if len(qrPng) == 0 {
		var err error
		qrPng, err = qrcode.Encode(data.VerifyURL, qrcode.Medium, 256)
		if err != nil {
			return nil, err
		}
	}

	pdf := gofpdf.New("P", "mm", "A6", "")
	pdf.SetMargins(8, 8, 8)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	// A6 dimensions
	pageWidth := 105.0

	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, 7, pdf.UnicodeTranslatorFromDescriptor("")(data.ChurchName), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 5, "Secure record upload - "+strings.ToUpper(data.RecordType), "", 1, "C", false, 0, "")

	imgOptions := gofpdf.ImageOptions{
		ImageType: "PNG",
		ReadDpi:   true,
	}
	pdf.RegisterImageOptionsReader("session_qr", imgOptions, bytes.NewReader(qrPng))
	if pdf.Err() {
		return nil, pdf.Error()
	}

	qrSize := 60.0
	pdf.ImageOptions("session_qr", (pageWidth-qrSize)/2, 24, qrSize, qrSize, false, imgOptions, 0, "")

	pdf.SetXY(8, 88)
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 5, "PIN", "", 1, "C", false, 0, "")
	pdf.SetFont("Courier", "B", 22)
	pdf.CellFormat(0, 10, spacedPIN(data.PIN), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 7)
	if !data.ExpiresAt.IsZero() {
		pdf.CellFormat(0, 4, "Valid until "+data.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"), "", 1, "C", false, 0, "")
	}
	pdf.CellFormat(0, 4, "Session "+data.SessionID, "", 1, "C", false, 0, "")

	// Cut line
	pdf.SetDrawColor(160, 160, 160)
	pdf.SetDashPattern([]float64{1, 1}, 0)
	pdf.Rect(4, 4, pageWidth-8, 140, "D")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func spacedPIN(pin string) string {
	return strings.Join(strings.Split(pin, ""), " ")
}
