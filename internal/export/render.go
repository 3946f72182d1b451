package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"studyhall/api/internal/content"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border: 1px solid #999; padding: 0.3rem 0.6rem; text-align: left; }
    th { background: #f0f0f0; }
    .slide { page-break-after: always; padding: 1rem 0; }
    .slide h2 { border-bottom: 1px solid #ccc; padding-bottom: 0.3rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.OwnerName}} | version {{.Version}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{.Body}}
</body>
</html>`))

type pageData struct {
	Title     string
	OwnerName string
	Version   int
	UpdatedAt time.Time
	Body      template.HTML
}

// RenderHTML produces the printable page for a document body.
func RenderHTML(meta Meta, body content.Content) (string, error) {
	var inner string
	switch body.Kind {
	case content.KindText:
		inner = body.HTML
	case content.KindSpreadsheet:
		inner = renderCells(body.Cells)
	case content.KindPresentation:
		inner = renderSlides(body.Slides)
	default:
		return "", fmt.Errorf("render %w: %q", content.ErrUnknownKind, body.Kind)
	}

	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, pageData{
		Title:     meta.Title,
		OwnerName: meta.OwnerName,
		Version:   meta.Version,
		UpdatedAt: meta.UpdatedAt,
		Body:      template.HTML(inner),
	})
	if err != nil {
		return "", fmt.Errorf("render export page: %w", err)
	}
	return buf.String(), nil
}

// renderCells lays a sparse cell map out as a bounded table. Cell refs are
// column letters followed by a 1-based row number ("B12").
func renderCells(cells map[string]string) string {
	maxCol, maxRow := 0, 0
	grid := make(map[[2]int]string, len(cells))
	for ref, value := range cells {
		col, row, ok := parseCellRef(ref)
		if !ok {
			continue
		}
		grid[[2]int{col, row}] = value
		if col > maxCol {
			maxCol = col
		}
		if row > maxRow {
			maxRow = row
		}
	}
	if maxCol == 0 || maxRow == 0 {
		return "<p><em>Empty spreadsheet</em></p>"
	}

	var b strings.Builder
	b.WriteString("<table><tr><th></th>")
	for col := 1; col <= maxCol; col++ {
		b.WriteString("<th>" + columnName(col) + "</th>")
	}
	b.WriteString("</tr>")
	for row := 1; row <= maxRow; row++ {
		b.WriteString("<tr><th>" + strconv.Itoa(row) + "</th>")
		for col := 1; col <= maxCol; col++ {
			b.WriteString("<td>" + template.HTMLEscapeString(grid[[2]int{col, row}]) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

func renderSlides(slides []content.Slide) string {
	if len(slides) == 0 {
		return "<p><em>Empty presentation</em></p>"
	}
	var b strings.Builder
	for i, slide := range slides {
		b.WriteString(`<div class="slide">`)
		title := slide.Title
		if title == "" {
			title = fmt.Sprintf("Slide %d", i+1)
		}
		b.WriteString("<h2>" + template.HTMLEscapeString(title) + "</h2>")
		b.WriteString(slide.Body)
		b.WriteString("</div>")
	}
	return b.String()
}

func parseCellRef(ref string) (col, row int, ok bool) {
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A') + 1
		i++
	}
	if i == 0 || i == len(ref) {
		return 0, 0, false
	}
	row, err := strconv.Atoi(ref[i:])
	if err != nil || row < 1 {
		return 0, 0, false
	}
	return col, row, true
}

func columnName(col int) string {
	var letters []byte
	for col > 0 {
		col--
		letters = append(letters, byte('A'+col%26))
		col /= 26
	}
	for i, j := 0, len(letters)-1; i < j; i, j = i+1, j-1 {
		letters[i], letters[j] = letters[j], letters[i]
	}
	return string(letters)
}
