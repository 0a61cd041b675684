package web

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	docx "github.com/fumiama/go-docx"
	"github.com/gorilla/mux"
	"github.com/jung-kurt/gofpdf"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/prompt"
)

// the document body is framed so a consumer can tell instruction text
// from the anonymized content
const (
	startMarker = "*** START DOCUMENT TEXT ***"
	endMarker   = "*** END DOCUMENT TEXT ***"
)

type section struct {
	text string
	red  bool
}

type downloadHandler struct {
	data *ServiceData
}

func (h downloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	id := mux.Vars(r)["id"]
	cmdapp.Log.Infof("Download %s for %s", format, id)
	job, err := h.data.Jobs.GetJob(id, false)
	if err != nil {
		writePollError(w, err, 0)
		return
	}
	if !canAccess(h.data, r, job) {
		http.Error(w, "Not allowed", http.StatusForbidden)
		return
	}
	output := job.OutputText
	if output == "" {
		output = job.FullPrefixText
	}
	if output == "" {
		http.Error(w, "No output text available", http.StatusNotFound)
		return
	}
	lang := job.Language
	if !prompt.Supported(lang) {
		lang = prompt.Detect(job.InputText)
	}
	sections := exportSections(prompt.ReplaceWithLabels(output, lang), prompt.ForLang(lang))

	var buf bytes.Buffer
	var contentType, ext string
	switch format {
	case "pdf":
		contentType, ext = "application/pdf", "pdf"
		err = writePDF(&buf, sections)
	case "docx":
		contentType, ext = "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx"
		err = writeDOCX(&buf, sections)
	case "text":
		contentType, ext = "text/plain; charset=utf-8", "txt"
		err = writeText(&buf, sections)
	default:
		http.Error(w, "Unknown format: "+format, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Can't prepare document", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="anymize_`+job.InternalID+`.`+ext+`"`)
	w.Write(buf.Bytes())
}

func exportSections(labeled string, s prompt.Set) []section {
	return []section{
		{text: s.Begin, red: true},
		{text: startMarker, red: true},
		{text: labeled},
		{text: endMarker, red: true},
		{text: s.End, red: true},
	}
}

func writePDF(w io.Writer, sections []section) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 11)
	for _, s := range sections {
		if s.red {
			pdf.SetTextColor(192, 0, 0)
		} else {
			pdf.SetTextColor(0, 0, 0)
		}
		pdf.MultiCell(0, 5, tr(s.text), "", "L", false)
		pdf.Ln(3)
	}
	return pdf.Output(w)
}

func writeDOCX(w io.Writer, sections []section) error {
	doc := docx.New().WithDefaultTheme()
	for _, s := range sections {
		for _, line := range strings.Split(s.text, "\n") {
			p := doc.AddParagraph()
			run := p.AddText(line)
			if s.red {
				run.Color("C00000")
			}
		}
	}
	_, err := doc.WriteTo(w)
	return err
}

func writeText(w io.Writer, sections []section) error {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.text)
	}
	_, err := io.WriteString(w, strings.Join(parts, "\n\n"))
	return err
}
