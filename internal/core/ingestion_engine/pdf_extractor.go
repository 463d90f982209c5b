package ingestion_engine

import (
	"bytes"
	"context"
	"math"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

var _ core.DocumentExtractor = (*PDFExtractor)(nil)

// PDFExtractor reads page text and image placements straight from each page's
// content stream, so page boundaries are exact.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

func (e *PDFExtractor) Extract(ctx context.Context, data []byte, _ string) (pages []models.Page, err error) {
	const op = "extract pdf"

	// The parser panics on some malformed input.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = core.Errorf(core.KindInvalidInput, op, "malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, core.E(core.KindInvalidInput, op, err)
	}
	if !r.Trailer().Key("Encrypt").IsNull() {
		return nil, core.Errorf(core.KindInvalidInput, op, "encrypted documents are not supported")
	}

	n := r.NumPage()
	if n == 0 {
		return nil, core.Errorf(core.KindInvalidInput, op, "document has no pages")
	}

	pages = make([]models.Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, images := readPage(r.Page(i))
		pages = append(pages, models.Page{Number: i, RawText: text, Images: images})
	}
	return pages, nil
}

// matrix is a PDF affine transform [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m × n.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// pageReader walks one page's content stream.
type pageReader struct {
	page    pdf.Page
	out     strings.Builder
	last    byte
	enc     pdf.TextEncoding
	encs    map[string]pdf.TextEncoding
	ctm     matrix
	saved   []matrix
	lineY   float64
	hasLine bool
	images  []models.ImageRef
	originX float64
	originY float64
}

func readPage(p pdf.Page) (string, []models.ImageRef) {
	if p.V.IsNull() {
		return "", nil
	}
	w := &pageReader{page: p, ctm: identity, encs: make(map[string]pdf.TextEncoding)}
	if mb := mediaBox(p); mb.Len() == 4 {
		w.originX, w.originY = mb.Index(0).Float64(), mb.Index(1).Float64()
	}

	contents := p.V.Key("Contents")
	switch contents.Kind() {
	case pdf.Stream:
		pdf.Interpret(contents, w.do)
	case pdf.Array:
		for i := 0; i < contents.Len(); i++ {
			pdf.Interpret(contents.Index(i), w.do)
		}
	}
	return tidyLines(w.out.String()), w.images
}

// mediaBox returns the page's MediaBox, inherited from the nearest
// ancestor in the page tree when the page does not set one.
func mediaBox(p pdf.Page) pdf.Value {
	for v, depth := p.V, 0; !v.IsNull() && depth < 32; v, depth = v.Key("Parent"), depth+1 {
		if mb := v.Key("MediaBox"); mb.Kind() == pdf.Array {
			return mb
		}
	}
	return pdf.Value{}
}

func (w *pageReader) do(stk *pdf.Stack, op string) {
	n := stk.Len()
	args := make([]pdf.Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = stk.Pop()
	}

	switch op {
	case "q":
		w.saved = append(w.saved, w.ctm)
	case "Q":
		if k := len(w.saved); k > 0 {
			w.ctm, w.saved = w.saved[k-1], w.saved[:k-1]
		}
	case "cm":
		if n == 6 {
			w.ctm = matrixOf(args).mul(w.ctm)
		}
	case "BT":
		w.newline()
		w.hasLine = false
	case "Tf":
		if n == 2 {
			w.enc = w.encoder(args[0].Name())
		}
	case "Td", "TD":
		if n == 2 && args[1].Float64() != 0 {
			w.newline()
		} else {
			w.space()
		}
	case "T*":
		w.newline()
	case "Tm":
		if n == 6 {
			y := args[5].Float64()
			if w.hasLine && y != w.lineY {
				w.newline()
			} else if w.hasLine {
				w.space()
			}
			w.lineY, w.hasLine = y, true
		}
	case "Tj":
		if n == 1 {
			w.show(args[0])
		}
	case "'":
		w.newline()
		if n == 1 {
			w.show(args[0])
		}
	case "\"":
		w.newline()
		if n == 3 {
			w.show(args[2])
		}
	case "TJ":
		if n == 1 {
			arr := args[0]
			for i := 0; i < arr.Len(); i++ {
				v := arr.Index(i)
				if v.Kind() == pdf.String {
					w.show(v)
				} else if v.Float64() < -200 {
					w.space()
				}
			}
		}
	case "Do":
		if n == 1 {
			w.image(args[0].Name())
		}
	}
}

func matrixOf(args []pdf.Value) matrix {
	var m matrix
	for i := range m {
		m[i] = args[i].Float64()
	}
	return m
}

func (w *pageReader) encoder(font string) pdf.TextEncoding {
	if enc, ok := w.encs[font]; ok {
		return enc
	}
	enc := w.page.Font(font).Encoder()
	w.encs[font] = enc
	return enc
}

func (w *pageReader) show(v pdf.Value) {
	raw := v.RawString()
	if w.enc != nil {
		raw = w.enc.Decode(raw)
	}
	w.write(raw)
}

func (w *pageReader) write(s string) {
	if s == "" {
		return
	}
	w.out.WriteString(s)
	w.last = s[len(s)-1]
}

func (w *pageReader) newline() {
	if w.out.Len() > 0 && w.last != '\n' {
		w.write("\n")
	}
}

func (w *pageReader) space() {
	if w.out.Len() > 0 && w.last != ' ' && w.last != '\n' {
		w.write(" ")
	}
}

// image records an image XObject drawn with the current transform. Images
// are painted into the unit square, so its transformed corners bound them.
func (w *pageReader) image(name string) {
	xo := w.page.Resources().Key("XObject").Key(name)
	if xo.Key("Subtype").Name() != "Image" {
		return
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range [4][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		x, y := w.ctm.apply(c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	w.images = append(w.images, models.ImageRef{
		Index:       len(w.images),
		Name:        name,
		X:           minX - w.originX,
		Y:           minY - w.originY,
		Width:       maxX - minX,
		Height:      maxY - minY,
		PixelWidth:  int(xo.Key("Width").Int64()),
		PixelHeight: int(xo.Key("Height").Int64()),
	})
}

// tidyLines trims trailing blanks from every line and drops trailing empty lines.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
