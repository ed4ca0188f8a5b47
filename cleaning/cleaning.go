// Package cleaning produces the fixed artifact set for a cleaning
// job under a sandboxed job root: cleaned tabular outputs, a profile
// report, and office documents from an external generator with a
// deterministic fallback.
package cleaning

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/siftdata/sift/value"
)

// Pipeline holds the cleaning job configuration.
type Pipeline struct {
	// BusRoot is the sandbox: every job root must resolve under
	// <BusRoot>/jobs and end with the job id.
	BusRoot string
	// OfficeMode selects "strict" (external generator required) or
	// "fallback" (deterministic placeholder bytes).
	OfficeMode string
	L          *slog.Logger
}

// Params tune the two-column normalization.
type Params struct {
	Rows               []any          `json:"rows,omitempty"`
	Rules              map[string]any `json:"rules,omitempty"`
	IDField            string         `json:"id_field,omitempty"`
	AmountField        string         `json:"amount_field,omitempty"`
	DropNegativeAmount bool           `json:"drop_negative_amount,omitempty"`
	DeduplicateByID    *bool          `json:"deduplicate_by_id,omitempty"`
	DeduplicateKeep    string         `json:"deduplicate_keep,omitempty"`
	SortByID           *bool          `json:"sort_by_id,omitempty"`
	AmountRoundDigits  *int           `json:"amount_round_digits,omitempty"`
	MinAmount          *float64       `json:"min_amount,omitempty"`
	MaxAmount          *float64       `json:"max_amount,omitempty"`
	ForceBadParquet    bool           `json:"force_bad_parquet,omitempty"`
}

// Row is one normalized record.
type Row struct {
	ID     int64
	Amount float64
}

// Artifact is one produced file with its content hash.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Result is the full artifact report.
type Result struct {
	JobRoot       string              `json:"job_root"`
	Outputs       map[string]Artifact `json:"outputs"`
	ProfileRows   int                 `json:"profile_rows"`
	ProfileCols   int                 `json:"profile_cols"`
	OfficeMode    string              `json:"office_generation_mode"`
	OfficeWarning string              `json:"office_generation_warning,omitempty"`
}

// ValidJobID accepts 8-128 chars of [A-Za-z0-9_-].
func ValidJobID(s string) bool {
	t := strings.TrimSpace(s)
	if len(t) < 8 || len(t) > 128 {
		return false
	}
	for _, ch := range t {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '_', ch == '-':
		default:
			return false
		}
	}
	return true
}

// ResolveJobRoot validates the job id and confines the requested root
// to the bus sandbox. The resolved path must end with the job id.
func (p Pipeline) ResolveJobRoot(requested, jobID string) (string, error) {
	jid := strings.TrimSpace(jobID)
	if !ValidJobID(jid) {
		return "", fmt.Errorf("invalid job_id")
	}
	allowed := filepath.Clean(filepath.Join(p.BusRoot, "jobs"))
	root := requested
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(allowed, jid)
	}
	if !filepath.IsAbs(root) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve current dir: %w", err)
		}
		root = filepath.Join(cwd, root)
	}
	root = filepath.Clean(root)

	if filepath.Base(root) != jid || !strings.HasPrefix(root, allowed+string(os.PathSeparator)) {
		return "", fmt.Errorf("job_root must be under %q and end with job_id", allowed)
	}
	return root, nil
}

// Run executes the pipeline for one job.
func (p Pipeline) Run(jobID, requestedRoot string, params *Params) (*Result, error) {
	jobRoot, err := p.ResolveJobRoot(requestedRoot, jobID)
	if err != nil {
		return nil, err
	}
	stageDir := filepath.Join(jobRoot, "stage")
	artifactsDir := filepath.Join(jobRoot, "artifacts")
	evidenceDir := filepath.Join(jobRoot, "evidence")
	for _, dir := range []string{stageDir, artifactsDir, evidenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job dir: %w", err)
		}
	}

	rows := cleanRows(params)

	csvPath := filepath.Join(stageDir, "cleaned.csv")
	parquetPath := filepath.Join(stageDir, "cleaned.parquet")
	profilePath := filepath.Join(evidenceDir, "profile.json")
	xlsxPath := filepath.Join(artifactsDir, "fin.xlsx")
	docxPath := filepath.Join(artifactsDir, "audit.docx")
	pptxPath := filepath.Join(artifactsDir, "deck.pptx")

	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(parquetPath, rows, params != nil && params.ForceBadParquet); err != nil {
		return nil, err
	}
	if err := writeProfile(profilePath, rows); err != nil {
		return nil, err
	}
	mode, warning, err := p.writeOfficeDocuments(xlsxPath, docxPath, pptxPath, jobID)
	if err != nil {
		return nil, err
	}

	outputs := map[string]Artifact{}
	for name, path := range map[string]string{
		"cleaned_csv":     csvPath,
		"cleaned_parquet": parquetPath,
		"profile_json":    profilePath,
		"xlsx_fin":        xlsxPath,
		"audit_docx":      docxPath,
		"deck_pptx":       pptxPath,
	} {
		sum, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		outputs[name] = Artifact{Path: path, SHA256: sum}
	}

	return &Result{
		JobRoot:       jobRoot,
		Outputs:       outputs,
		ProfileRows:   len(rows),
		ProfileCols:   2,
		OfficeMode:    mode,
		OfficeWarning: warning,
	}, nil
}

func (params *Params) ruleBool(key string, explicit *bool, def bool) bool {
	if explicit != nil {
		return *explicit
	}
	if params.Rules != nil {
		if v, ok := params.Rules[key]; ok {
			if b, ok := value.ToBool(v); ok {
				return b
			}
		}
	}
	return def
}

// cleanRows normalizes and filters the two-column record set. A nil
// params produces the default sample rows.
func cleanRows(params *Params) []Row {
	defaults := []Row{{ID: 1, Amount: 100}, {ID: 2, Amount: 200}}
	if params == nil || len(params.Rows) == 0 {
		return defaults
	}
	idField := params.IDField
	if idField == "" {
		idField = "id"
	}
	amountField := params.AmountField
	if amountField == "" {
		amountField = "amount"
	}
	digits := 2
	if params.AmountRoundDigits != nil {
		digits = max(0, min(6, *params.AmountRoundDigits))
	}
	dedup := params.ruleBool("deduplicate_by_id", params.DeduplicateByID, true)
	sortByID := params.ruleBool("sort_by_id", params.SortByID, true)
	keepFirst := strings.EqualFold(params.DeduplicateKeep, "first")

	var normalized []Row
	for _, rec := range params.Rows {
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		id, okID := value.ToInt(obj[idField])
		amount, okAmt := value.ToFloat(obj[amountField])
		if !okID || !okAmt {
			continue
		}
		if params.DropNegativeAmount && amount < 0 {
			continue
		}
		if params.MinAmount != nil && amount < *params.MinAmount {
			continue
		}
		if params.MaxAmount != nil && amount > *params.MaxAmount {
			continue
		}
		normalized = append(normalized, Row{ID: id, Amount: roundHalfUp(amount, digits)})
	}

	if dedup {
		byID := map[int64]float64{}
		var order []int64
		for _, r := range normalized {
			if _, seen := byID[r.ID]; !seen {
				order = append(order, r.ID)
				byID[r.ID] = r.Amount
			} else if !keepFirst {
				byID[r.ID] = r.Amount
			}
		}
		normalized = normalized[:0]
		for _, id := range order {
			normalized = append(normalized, Row{ID: id, Amount: byID[id]})
		}
	}

	if sortByID {
		sort.Slice(normalized, func(i, j int) bool { return normalized[i].ID < normalized[j].ID })
	}
	return normalized
}

func roundHalfUp(v float64, digits int) float64 {
	scale := 1.0
	for range digits {
		scale *= 10
	}
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return -float64(int64(-v*scale+0.5)) / scale
}

func writeCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "amount"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		rec := []string{strconv.FormatInt(r.ID, 10), strconv.FormatFloat(r.Amount, 'f', -1, 64)}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// writeParquet writes the rows as "id,amount" text lines framed by
// PAR1 markers; no columnar encoding is produced and the office mode
// plays no part. With forceBad set it writes a fixed placeholder line
// instead.
func writeParquet(path string, rows []Row, forceBad bool) error {
	if forceBad {
		return os.WriteFile(path, []byte("PARQUET_PLACEHOLDER\n"), 0o644)
	}
	var b strings.Builder
	b.WriteString("PAR1")
	for _, r := range rows {
		fmt.Fprintf(&b, "%d,%s\n", r.ID, strconv.FormatFloat(r.Amount, 'f', -1, 64))
	}
	b.WriteString("PAR1")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func writeProfile(path string, rows []Row) error {
	sum := 0.0
	for _, r := range rows {
		sum += r.Amount
	}
	payload := map[string]any{
		"profile": map[string]any{"rows": len(rows), "cols": 2, "sum_amount": sum},
		"engine":  "sift",
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return os.WriteFile(path, body, 0o644)
}

// writeOfficeDocuments produces the report documents. Strict mode
// requires a python generator on PATH and fails hard without one;
// fallback mode writes deterministic placeholder bytes.
func (p Pipeline) writeOfficeDocuments(xlsx, docx, pptx, jobID string) (mode, warning string, err error) {
	mode = strings.ToLower(strings.TrimSpace(p.OfficeMode))
	if mode != "strict" {
		mode = "fallback"
	}
	if mode == "strict" {
		python, lookErr := exec.LookPath("python3")
		if lookErr != nil {
			python, lookErr = exec.LookPath("python")
		}
		if lookErr != nil {
			return "", "", fmt.Errorf("strict office mode requires python on PATH")
		}
		if genErr := runOfficeGenerator(python, xlsx, docx, pptx, jobID); genErr != nil {
			return "", "", genErr
		}
		return mode, "", nil
	}
	for path, marker := range map[string]string{
		xlsx: "XLSX_PLACEHOLDER\n",
		docx: "DOCX_PLACEHOLDER\n",
		pptx: "PPTX_PLACEHOLDER\n",
	} {
		if err := os.WriteFile(path, []byte(marker), 0o644); err != nil {
			return "", "", fmt.Errorf("write placeholder: %w", err)
		}
	}
	return mode, "office documents are placeholders; set strict mode for real reports", nil
}

const officeGenerator = `
import sys
from openpyxl import Workbook
from docx import Document
from pptx import Presentation

xlsx, docx, pptx, job_id = sys.argv[1:5]

wb = Workbook()
ws = wb.active
ws.title = "fin"
ws.append(["job_id", job_id])
wb.save(xlsx)

doc = Document()
doc.add_heading("Audit", 0)
doc.add_paragraph("job: " + job_id)
doc.save(docx)

prs = Presentation()
slide = prs.slides.add_slide(prs.slide_layouts[0])
slide.shapes.title.text = "Cleaning " + job_id
prs.save(pptx)
`

func runOfficeGenerator(python, xlsx, docx, pptx, jobID string) error {
	script, err := os.CreateTemp("", "office-gen-*.py")
	if err != nil {
		return fmt.Errorf("create office generator: %w", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(officeGenerator); err != nil {
		script.Close()
		return fmt.Errorf("write office generator: %w", err)
	}
	script.Close()

	out, err := exec.Command(python, script.Name(), xlsx, docx, pptx, jobID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("office generation failed: %v: %s", err, out)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hash: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read for hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
