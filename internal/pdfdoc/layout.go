package pdfdoc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
	"github.com/MarcoPoloResearchLab/deedsign/internal/textshape"
	"github.com/go-pdf/fpdf"
)

const (
	pageSize    = "A4"
	marginMM    = 20.0
	footerMM    = 8.0
	bodySizePt  = 11.0
	titleSizePt = 16.0
	smallSizePt = 9.0
	lineFactor  = 0.5

	// SignatureBlockMM is the vertical space reserved for a signature block.
	SignatureBlockMM = 55.0
	signatureMaxW    = 60.0
	signatureMaxH    = 25.0

	familyBody   = "body"
	familyArabic = "arabic"
	familyCore   = "Helvetica"

	// UnavailableMarker replaces a signature image that cannot be embedded.
	UnavailableMarker = "[signature unavailable]"
)

// sheet wraps an fpdf document with the paragraph flow and page-break rules
// shared by every document type.
type sheet struct {
	pdf          *fpdf.Fpdf
	direction    textshape.Direction
	family       string
	pageWidth    float64
	pageHeight   float64
	contentWidth float64
	imageSeq     int
}

func newSheet(fonts Fonts, lang templates.Language, footer string, compress bool) *sheet {
	pdf := fpdf.New("P", "mm", pageSize, "")
	pdf.SetCompression(compress)
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(false, marginMM)
	pdf.AliasNbPages("{nb}")
	pdf.AddUTF8FontFromBytes(familyBody, "", fonts.Regular)
	pdf.AddUTF8FontFromBytes(familyBody, "B", fonts.Bold)
	pdf.AddUTF8FontFromBytes(familyArabic, "", fonts.Arabic)
	pdf.AddUTF8FontFromBytes(familyArabic, "B", fonts.ArabicBold)

	pageWidth, pageHeight := pdf.GetPageSize()
	s := &sheet{
		pdf:          pdf,
		direction:    textshape.LeftToRight,
		family:       familyBody,
		pageWidth:    pageWidth,
		pageHeight:   pageHeight,
		contentWidth: pageWidth - 2*marginMM,
	}
	if lang.IsRTL() {
		s.direction = textshape.RightToLeft
		s.family = familyArabic
	}

	// Footer text is ASCII and set in a core font so the page-count alias is
	// substituted reliably.
	pdf.SetFooterFunc(func() {
		pdf.SetY(-marginMM + 2)
		pdf.SetFont(familyCore, "", 8)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(0, 6, fmt.Sprintf("%s - page %d of {nb}", footer, pdf.PageNo()), "", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})
	pdf.AddPage()
	return s
}

func (s *sheet) bottom() float64 {
	return s.pageHeight - marginMM - footerMM
}

// ensure starts a new page when fewer than height millimetres remain.
func (s *sheet) ensure(height float64) {
	if s.pdf.GetY()+height > s.bottom() {
		s.pdf.AddPage()
	}
}

func (s *sheet) newPage() {
	s.pdf.AddPage()
}

func (s *sheet) align() string {
	if s.direction == textshape.RightToLeft {
		return "R"
	}
	return "L"
}

func (s *sheet) font(bold bool, size float64) {
	style := ""
	if bold {
		style = "B"
	}
	s.pdf.SetFont(s.family, style, size)
}

// paragraph shapes text, wraps it to the content width measured against the
// current font and writes each line in visual order.
func (s *sheet) paragraph(text string, bold bool, size float64) {
	s.font(bold, size)
	lineHeight := size * lineFactor
	for _, raw := range strings.Split(text, "\n") {
		shaped := textshape.Shape(raw)
		lines := s.wrap(shaped)
		if len(lines) == 0 {
			s.ensure(lineHeight)
			s.pdf.Ln(lineHeight)
			continue
		}
		for _, line := range lines {
			s.ensure(lineHeight)
			s.pdf.SetX(marginMM)
			s.pdf.CellFormat(s.contentWidth, lineHeight, textshape.Reorder(line, s.direction), "", 1, s.align(), false, 0, "")
		}
	}
}

// centered writes a single shaped line centred on the page.
func (s *sheet) centered(text string, bold bool, size float64) {
	s.font(bold, size)
	lineHeight := size * lineFactor
	for _, line := range s.wrap(textshape.Shape(text)) {
		s.ensure(lineHeight)
		s.pdf.SetX(marginMM)
		s.pdf.CellFormat(s.contentWidth, lineHeight, textshape.Reorder(line, s.direction), "", 1, "C", false, 0, "")
	}
}

// field writes "label: value" as one wrapped paragraph.
func (s *sheet) field(label, value string) {
	s.paragraph(label+": "+value, false, bodySizePt)
}

func (s *sheet) gap(height float64) {
	s.pdf.Ln(height)
}

func (s *sheet) rule() {
	y := s.pdf.GetY()
	s.pdf.SetDrawColor(160, 160, 160)
	s.pdf.Line(marginMM, y, s.pageWidth-marginMM, y)
	s.pdf.Ln(2)
}

// wrap splits text on spaces so that no line exceeds the content width. Words
// wider than a line are broken by rune.
func (s *sheet) wrap(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	current := ""
	for _, word := range words {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if s.pdf.GetStringWidth(candidate) <= s.contentWidth {
			current = candidate
			continue
		}
		if current != "" {
			lines = append(lines, current)
		}
		current = ""
		for s.pdf.GetStringWidth(word) > s.contentWidth {
			head, tail := s.splitWord(word)
			lines = append(lines, head)
			word = tail
		}
		current = word
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

func (s *sheet) splitWord(word string) (string, string) {
	runes := []rune(word)
	cut := 1
	for cut < len(runes) && s.pdf.GetStringWidth(string(runes[:cut+1])) <= s.contentWidth {
		cut++
	}
	return string(runes[:cut]), string(runes[cut:])
}

// signatureImage embeds data at the current position scaled into the signature
// box. It reports false, leaving the document usable, when the image cannot be
// decoded or registered.
func (s *sheet) signatureImage(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || config.Width == 0 || config.Height == 0 {
		return false
	}
	imageType := "PNG"
	if format == "jpeg" {
		imageType = "JPG"
	}

	width := signatureMaxW
	height := width * float64(config.Height) / float64(config.Width)
	if height > signatureMaxH {
		height = signatureMaxH
		width = height * float64(config.Width) / float64(config.Height)
	}

	s.imageSeq++
	name := fmt.Sprintf("signature-%d", s.imageSeq)
	options := fpdf.ImageOptions{ImageType: imageType}
	s.pdf.RegisterImageOptionsReader(name, options, bytes.NewReader(data))
	if !s.pdf.Ok() {
		s.pdf.ClearError()
		return false
	}
	s.ensure(height + 2)
	x := marginMM
	if s.direction == textshape.RightToLeft {
		x = s.pageWidth - marginMM - width
	}
	y := s.pdf.GetY()
	s.pdf.ImageOptions(name, x, y, width, height, false, options, 0, "")
	if !s.pdf.Ok() {
		s.pdf.ClearError()
		return false
	}
	s.pdf.SetY(y + height + 2)
	return true
}

// marker writes an ASCII fallback line in the core font.
func (s *sheet) marker(text string) {
	s.ensure(6)
	s.pdf.SetFont(familyCore, "I", bodySizePt)
	s.pdf.SetX(marginMM)
	s.pdf.CellFormat(s.contentWidth, 6, text, "", 1, s.align(), false, 0, "")
}

func (s *sheet) output() ([]byte, error) {
	var buffer bytes.Buffer
	if err := s.pdf.Output(&buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
