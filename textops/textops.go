// Package textops cleans and measures free text: reference and
// footnote stripping, whitespace normalization, shape metrics and
// entity extraction.
package textops

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/siftdata/sift/trace"
	"github.com/siftdata/sift/value"
)

// PreprocessRequest configures a text cleanup pass. The removal and
// normalization switches default on.
type PreprocessRequest struct {
	Text                string `json:"text"`
	Title               string `json:"title,omitempty"`
	RemoveReferences    *bool  `json:"remove_references,omitempty"`
	RemoveNotes         *bool  `json:"remove_notes,omitempty"`
	NormalizeWhitespace *bool  `json:"normalize_whitespace,omitempty"`
}

// PreprocessResult is the cleaned markdown with its digest.
type PreprocessResult struct {
	Markdown               string `json:"markdown"`
	RemovedReferencesLines int    `json:"removed_references_lines"`
	RemovedNotesLines      int    `json:"removed_notes_lines"`
	SHA256                 string `json:"sha256"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

var referenceHeadings = []string{"references", "bibliography", "参考文献", "引用文献"}

// Preprocess strips trailing reference sections and inline note
// lines, collapses whitespace, and renders markdown with an optional
// title heading.
func Preprocess(req PreprocessRequest) (*PreprocessResult, error) {
	lines := strings.Split(strings.ReplaceAll(req.Text, "\r\n", "\n"), "\n")
	res := &PreprocessResult{}

	if boolOr(req.RemoveReferences, true) {
		for i, line := range lines {
			t := strings.ToLower(strings.TrimSpace(line))
			if isReferenceHeading(t) {
				res.RemovedReferencesLines = len(lines) - i
				lines = lines[:i]
				break
			}
		}
	}

	if boolOr(req.RemoveNotes, true) {
		kept := lines[:0]
		for _, line := range lines {
			t := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(t, "[") && strings.Contains(t, "]") && len(t) < 24:
				res.RemovedNotesLines++
			case strings.HasPrefix(strings.ToLower(t), "footnote"),
				strings.HasPrefix(t, "注释"), strings.HasPrefix(t, "脚注"):
				res.RemovedNotesLines++
			default:
				kept = append(kept, line)
			}
		}
		lines = kept
	}

	if boolOr(req.NormalizeWhitespace, true) {
		for i, line := range lines {
			lines[i] = collapseWhitespace(line)
		}
	}

	if len(lines) == 0 || strings.TrimSpace(strings.Join(lines, "")) == "" {
		return nil, fmt.Errorf("text preprocess produced empty content")
	}

	var md strings.Builder
	if t := strings.TrimSpace(req.Title); t != "" {
		md.WriteString("# ")
		md.WriteString(t)
		md.WriteString("\n\n")
	}
	md.WriteString(strings.TrimSpace(strings.Join(lines, "\n")))
	md.WriteString("\n")
	res.Markdown = md.String()
	res.SHA256 = trace.Hash(res.Markdown)
	return res, nil
}

func isReferenceHeading(lowered string) bool {
	for _, h := range referenceHeadings {
		if lowered == h {
			return true
		}
	}
	return false
}

func collapseWhitespace(s string) string {
	var out strings.Builder
	prevSpace := false
	for _, ch := range s {
		if ch == ' ' || ch == '\t' {
			if !prevSpace {
				out.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		out.WriteRune(ch)
		prevSpace = false
	}
	return strings.TrimSpace(out.String())
}

// Metrics describes the shape of a text body.
type Metrics struct {
	Sections      int    `json:"sections"`
	Bullets       int    `json:"bullets"`
	Chars         int    `json:"chars"`
	Lines         int    `json:"lines"`
	CJK           int    `json:"cjk"`
	Latin         int    `json:"latin"`
	Digits        int    `json:"digits"`
	ReferenceHits int    `json:"reference_hits"`
	NoteHits      int    `json:"note_hits"`
	SHA256        string `json:"sha256"`
}

// ComputeMetrics measures a text body; empty text is an error.
func ComputeMetrics(text string) (*Metrics, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text for compute_metrics")
	}
	lines := strings.Split(text, "\n")
	m := &Metrics{Lines: len(lines), SHA256: trace.Hash(text)}
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "## ") {
			m.Sections++
		}
		if strings.HasPrefix(t, "- ") {
			m.Bullets++
		}
		tl := strings.ToLower(t)
		if strings.Contains(tl, "references") || strings.Contains(tl, "bibliography") ||
			strings.Contains(t, "参考文献") || strings.Contains(t, "引用文献") || strings.Contains(t, "文献目录") {
			m.ReferenceHits++
		}
		if strings.Contains(tl, "acknowledg") || strings.Contains(tl, "footnote") || strings.Contains(tl, "appendix") ||
			strings.Contains(t, "注释") || strings.Contains(t, "脚注") || strings.Contains(t, "附录") || strings.Contains(t, "致谢") {
			m.NoteHits++
		}
	}
	for _, ch := range text {
		m.Chars++
		switch {
		case (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z'):
			m.Latin++
		case ch >= '0' && ch <= '9':
			m.Digits++
		case ch >= 0x4E00 && ch <= 0x9FFF:
			m.CJK++
		}
	}
	return m, nil
}

var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	urlRe    = regexp.MustCompile(`https?://[^\s)]+`)
	numberRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// maxNumberEntities caps the numbers list for pathological inputs.
const maxNumberEntities = 2000

// Entities is the extraction result.
type Entities struct {
	Emails  []string `json:"emails"`
	URLs    []string `json:"urls"`
	Numbers []string `json:"numbers"`
}

// ExtractEntities pulls emails, URLs and numbers out of free text
// plus an optional row field.
func ExtractEntities(text string, rows []any, textField string) *Entities {
	var b strings.Builder
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	}
	if textField == "" {
		textField = "text"
	}
	for _, r := range rows {
		if obj, ok := r.(map[string]any); ok {
			b.WriteString(value.ToString(obj[textField]))
			b.WriteString("\n")
		}
	}
	joined := b.String()
	nums := numberRe.FindAllString(joined, maxNumberEntities)
	return &Entities{
		Emails:  nonNil(emailRe.FindAllString(joined, -1)),
		URLs:    nonNil(urlRe.FindAllString(joined, -1)),
		Numbers: nonNil(nums),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
