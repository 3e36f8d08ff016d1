package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Renderer writes a report in one format. Output for the same report is
// byte-identical except for the trailing generation footer.
type Renderer interface {
	Format() models.ReportFormat
	Render(w io.Writer, r *Report, generatedAt time.Time) error
}

// RendererFor returns the renderer of a format.
func RendererFor(f models.ReportFormat) (Renderer, error) {
	switch f {
	case models.FormatJSON:
		return jsonRenderer{}, nil
	case models.FormatCSV:
		return csvRenderer{}, nil
	case models.FormatMarkdown:
		return markdownRenderer{}, nil
	case models.FormatHTML:
		return htmlRenderer{}, nil
	}
	return nil, fmt.Errorf("unknown report format %q", f)
}

func footerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ===========================================
// JSON
// ===========================================

type jsonRenderer struct{}

func (jsonRenderer) Format() models.ReportFormat { return models.FormatJSON }

// Render writes the report object with generated_at as its last member.
func (jsonRenderer) Render(w io.Writer, r *Report, generatedAt time.Time) error {
	doc := struct {
		*Report
		GeneratedAt string `json:"generated_at"`
	}{Report: r, GeneratedAt: footerTime(generatedAt)}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ===========================================
// CSV
// ===========================================

type csvRenderer struct{}

func (csvRenderer) Format() models.ReportFormat { return models.FormatCSV }

// Render writes one record per table row prefixed by the section id. Charts are
// written as their points.
func (csvRenderer) Render(w io.Writer, r *Report, generatedAt time.Time) error {
	cw := csv.NewWriter(w)
	write := func(rec ...string) {
		_ = cw.Write(rec)
	}

	write("report", r.CampaignID, string(r.Granularity), footerTime(r.From), footerTime(r.To), fmt.Sprintf("version=%d", r.SnapshotVersion))
	for _, s := range r.Sections {
		switch {
		case s.Placeholder != "":
			write(s.ID, "placeholder", s.Placeholder)
		default:
			if s.Table != nil {
				write(append([]string{s.ID, "columns"}, s.Table.Columns...)...)
				for _, row := range s.Table.Rows {
					write(append([]string{s.ID, "row"}, row...)...)
				}
			}
			if s.Chart != nil {
				for _, series := range s.Chart.Series {
					for _, p := range series.Points {
						write(s.ID, "point", series.Name, p.X, ftoa(p.Y))
					}
				}
			}
		}
	}
	write("generated_at", footerTime(generatedAt))

	cw.Flush()
	return cw.Error()
}

// ===========================================
// MARKDOWN
// ===========================================

type markdownRenderer struct{}

func (markdownRenderer) Format() models.ReportFormat { return models.FormatMarkdown }

func (markdownRenderer) Render(w io.Writer, r *Report, generatedAt time.Time) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Attribution report: %s\n\n", r.CampaignID)
	fmt.Fprintf(&b, "- Window: %s to %s (%s)\n", footerTime(r.From), footerTime(r.To), r.Granularity)
	fmt.Fprintf(&b, "- Model: %s\n", orDash(string(r.ModelID)))
	fmt.Fprintf(&b, "- Snapshot version: %d\n", r.SnapshotVersion)
	fmt.Fprintf(&b, "- Late adjustments included: %t\n", r.IncludeLate)

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Title)
		if s.Placeholder != "" {
			fmt.Fprintf(&b, "_%s_\n", s.Placeholder)
			continue
		}
		if s.Table != nil {
			b.WriteString(markdownRow(s.Table.Columns))
			b.WriteString("|" + strings.Repeat(" --- |", len(s.Table.Columns)) + "\n")
			for _, row := range s.Table.Rows {
				b.WriteString(markdownRow(row))
			}
		}
		if s.Chart != nil {
			if s.Table != nil {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Chart (%s): %s by %s\n\n", s.Chart.Kind, s.Chart.YLabel, s.Chart.XLabel)
			for _, series := range s.Chart.Series {
				for _, p := range series.Points {
					fmt.Fprintf(&b, "- %s: %s\n", p.X, ftoa(p.Y))
				}
			}
		}
	}

	fmt.Fprintf(&b, "\n---\nGenerated at %s\n", footerTime(generatedAt))
	_, err := w.Write(b.Bytes())
	return err
}

var markdownCell = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

func markdownRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = markdownCell.Replace(c)
	}
	return "| " + strings.Join(escaped, " | ") + " |\n"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ===========================================
// HTML
// ===========================================

type htmlRenderer struct{}

func (htmlRenderer) Format() models.ReportFormat { return models.FormatHTML }

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts":   footerTime,
	"ftoa": ftoa,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Attribution report {{.Report.CampaignID}}</title></head>
<body>
<h1>Attribution report: {{.Report.CampaignID}}</h1>
<ul>
<li>Window: {{ts .Report.From}} to {{ts .Report.To}} ({{.Report.Granularity}})</li>
<li>Model: {{if .Report.ModelID}}{{.Report.ModelID}}{{else}}-{{end}}</li>
<li>Snapshot version: {{.Report.SnapshotVersion}}</li>
<li>Late adjustments included: {{.Report.IncludeLate}}</li>
</ul>
{{range .Report.Sections}}<section id="{{.ID}}">
<h2>{{.Title}}</h2>
{{if .Placeholder}}<p class="placeholder">{{.Placeholder}}</p>
{{else}}{{with .Table}}<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{end}}{{with .Chart}}<figure data-kind="{{.Kind}}" data-x="{{.XLabel}}" data-y="{{.YLabel}}">
{{range .Series}}<ol data-series="{{.Name}}">{{range .Points}}<li data-x="{{.X}}">{{ftoa .Y}}</li>{{end}}</ol>
{{end}}</figure>
{{end}}{{end}}</section>
{{end}}<footer>Generated at {{.GeneratedAt}}</footer>
</body>
</html>
`))

func (htmlRenderer) Render(w io.Writer, r *Report, generatedAt time.Time) error {
	return htmlTemplate.Execute(w, struct {
		Report      *Report
		GeneratedAt string
	}{Report: r, GeneratedAt: footerTime(generatedAt)})
}
