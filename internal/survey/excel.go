package survey

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"asncorpu/internal/auth"
	"asncorpu/internal/maturity"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var ErrInvalidWorkbook = errors.New("invalid workbook")

type ImportRowError struct {
	Row      int    `json:"row"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error"`
}

// ImportReport describes one import run. Incomplete is set when a server
// error stopped the run; rows reported before it stay committed.
type ImportReport struct {
	BatchID     string           `json:"batch_id"`
	Tahun       int              `json:"tahun"`
	TotalRows   int              `json:"total_rows"`
	SuccessRows int              `json:"success_rows"`
	FailedRows  int              `json:"failed_rows"`
	Incomplete  bool             `json:"incomplete"`
	Errors      []ImportRowError `json:"errors"`
}

const (
	recapSheet = "Rekap"
	statsSheet = "Statistik"
)

// ExportYearExcel writes one row per submission with raw answers, category
// subtotals and both assessments, plus a sheet of band counts.
func (s *Service) ExportYearExcel(ctx context.Context, tahun int) ([]byte, error) {
	rows, err := s.YearReport(ctx, tahun)
	if err != nil {
		return nil, err
	}
	return renderYearWorkbook(tahun, rows)
}

func renderYearWorkbook(tahun int, rows []ReportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), recapSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	levelStyles, err := bandStyles(f)
	if err != nil {
		return nil, err
	}

	fields := maturity.AllFieldNames()
	cats := maturity.ScoringCategories()
	headers := []any{"username", "institusi", "tahun"}
	for _, name := range fields {
		headers = append(headers, name)
	}
	for _, c := range cats {
		headers = append(headers, c.Name)
	}
	headers = append(headers, "total_self", "level_self", "status", "total_verifikasi", "level_verifikasi", "verified_by", "submitted_at")
	if err := f.SetSheetRow(recapSheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetCellStyle(recapSheet, "A1", lastCol+"1", headerStyle)

	selfLevelCol := 3 + len(fields) + len(cats) + 2
	verLevelCol := selfLevelCol + 3
	for i, r := range rows {
		rowNo := i + 2
		name := r.InstitutionName
		if name == "" {
			name = r.FullName
		}
		values := []any{r.Username, name, r.Tahun}
		for _, field := range fields {
			if v, ok := r.answers[field]; ok {
				values = append(values, maturity.Coerce(v))
			} else {
				values = append(values, nil)
			}
		}
		for _, cs := range r.recon.SelfAssessment.PerCategory {
			values = append(values, cs.Subtotal)
		}
		values = append(values, r.SelfScore, string(r.SelfLevel), string(r.Status))
		if r.VerifiedScore != nil {
			values = append(values, *r.VerifiedScore, string(*r.VerifiedLevel), derefString(r.VerifiedBy))
		} else {
			values = append(values, nil, nil, nil)
		}
		values = append(values, r.SubmittedAt.Format("2006-01-02 15:04:05"))

		cell, _ := excelize.CoordinatesToCellName(1, rowNo)
		if err := f.SetSheetRow(recapSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rowNo, err)
		}
		colorLevelCell(f, levelStyles, selfLevelCol, rowNo, r.SelfLevel)
		if r.VerifiedLevel != nil {
			colorLevelCell(f, levelStyles, verLevelCol, rowNo, *r.VerifiedLevel)
		}
	}
	_ = f.SetColWidth(recapSheet, "A", "C", 24)

	if _, err := f.NewSheet(statsSheet); err != nil {
		return nil, fmt.Errorf("create stats sheet: %w", err)
	}
	stats := computeStats(tahun, rows)
	statRows := [][]any{{"level", "self_assessment", "verifikasi"}}
	for i, b := range stats.SelfDistribution {
		statRows = append(statRows, []any{string(b.Level), b.Count, stats.VerifiedDistribution[i].Count})
	}
	statRows = append(statRows, []any{}, []any{"jumlah_survei", stats.Surveys}, []any{"terverifikasi", stats.Verified})
	for i, sr := range statRows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		row := sr
		if err := f.SetSheetRow(statsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write stats row: %w", err)
		}
	}
	_ = f.SetCellStyle(statsSheet, "A1", "C1", headerStyle)
	_ = f.SetColWidth(statsSheet, "A", "C", 24)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func bandStyles(f *excelize.File) (map[maturity.Level]int, error) {
	out := make(map[maturity.Level]int, len(maturity.Bands)+1)
	levels := make([]maturity.Level, 0, len(maturity.Bands)+1)
	for _, b := range maturity.Bands {
		levels = append(levels, b.Level)
	}
	levels = append(levels, maturity.LevelUnknown)
	for _, lvl := range levels {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{lvl.Color()}},
		})
		if err != nil {
			return nil, fmt.Errorf("level style: %w", err)
		}
		out[lvl] = id
	}
	return out, nil
}

func colorLevelCell(f *excelize.File, styles map[maturity.Level]int, col, row int, lvl maturity.Level) {
	style, ok := styles[lvl]
	if !ok {
		return
	}
	cell, _ := excelize.CoordinatesToCellName(col, row)
	_ = f.SetCellStyle(recapSheet, cell, cell, style)
}

// ImportTemplateExcel is an empty workbook with the columns ImportAnswersExcel
// expects.
func ImportTemplateExcel() ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	headers := []any{"username"}
	for _, name := range maturity.AllFieldNames() {
		headers = append(headers, name)
	}
	for _, c := range maturity.Categories {
		headers = append(headers, evidenceColumn(c.ID))
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// ImportAnswersExcel submits one survey per row on behalf of the institution
// named in the username column. Every row goes through Submit, so imported
// answers are validated and invalidate verifications exactly like web
// submissions.
func (s *Service) ImportAnswersExcel(ctx context.Context, actorID int64, tahun int, r io.Reader) (*ImportReport, error) {
	if err := validateYear(tahun); err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: no sheets", ErrInvalidWorkbook)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: no data rows found", ErrInvalidWorkbook)
	}
	header, err := parseImportHeader(rows[0])
	if err != nil {
		return nil, err
	}

	report := &ImportReport{BatchID: uuid.NewString(), Tahun: tahun, Errors: make([]ImportRowError, 0)}
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if isBlankRow(row) {
			continue
		}
		rowNo := i + 1
		report.TotalRows++

		username, in := header.rowInput(row)
		fail := func(msg string) {
			report.FailedRows++
			report.Errors = append(report.Errors, ImportRowError{Row: rowNo, Username: username, Error: msg})
		}
		if username == "" {
			fail("username wajib diisi")
			continue
		}

		var userID int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			fail("username tidak ditemukan")
			continue
		}
		if err != nil {
			report.abort(rowNo, username, fmt.Errorf("lookup user: %w", err), s.log)
			break
		}

		in.UserID = userID
		in.Tahun = tahun
		if _, err := s.Submit(ctx, actorID, in); err != nil {
			var ae *AnswerError
			switch {
			case errors.As(err, &ae):
				fail(ae.Error())
			case errors.Is(err, ErrInvalidEvidence), errors.Is(err, ErrNotInstitution):
				fail(err.Error())
			default:
				report.abort(rowNo, username, err, s.log)
			}
			if report.Incomplete {
				break
			}
			continue
		}
		report.SuccessRows++
	}

	s.log.Info("survey import finished",
		zap.String("batch_id", report.BatchID),
		zap.Int("tahun", tahun),
		zap.Int("success", report.SuccessRows),
		zap.Int("failed", report.FailedRows),
		zap.Bool("incomplete", report.Incomplete))
	return report, nil
}

// abort records a server-side failure against the row being processed and
// marks the run incomplete.
func (r *ImportReport) abort(rowNo int, username string, err error, log *zap.Logger) {
	log.Error("survey import stopped",
		zap.String("batch_id", r.BatchID), zap.Int("row", rowNo), zap.Error(err))
	r.FailedRows++
	r.Incomplete = true
	r.Errors = append(r.Errors, ImportRowError{Row: rowNo, Username: username, Error: "import dihentikan: kesalahan server"})
}

type importHeader struct {
	username  int
	questions map[string]int
	evidence  map[string]int
}

func parseImportHeader(cols []string) (*importHeader, error) {
	h := &importHeader{username: -1, questions: map[string]int{}, evidence: map[string]int{}}
	evidenceCols := make(map[string]string, len(maturity.Categories))
	for _, c := range maturity.Categories {
		evidenceCols[evidenceColumn(c.ID)] = fmt.Sprint(c.ID)
	}

	for i, raw := range cols {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "username" {
			h.username = i
			continue
		}
		if catID, ok := evidenceCols[name]; ok {
			h.evidence[catID] = i
			continue
		}
		if q, ok := maturity.LookupQuestion(name); ok {
			if _, dup := h.questions[q.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate column %s", ErrInvalidWorkbook, q.ID)
			}
			h.questions[q.ID] = i
		}
	}
	if h.username < 0 {
		return nil, fmt.Errorf("%w: missing required column: username", ErrInvalidWorkbook)
	}
	if len(h.questions) == 0 {
		return nil, fmt.Errorf("%w: no question columns (p1..p41)", ErrInvalidWorkbook)
	}
	return h, nil
}

func (h *importHeader) rowInput(row []string) (string, SubmitInput) {
	get := func(idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
	in := SubmitInput{Answers: make(map[string]any, len(h.questions)), Evidence: map[string]string{}}
	for id, idx := range h.questions {
		if v := get(idx); v != "" {
			in.Answers[id] = v
		}
	}
	for catID, idx := range h.evidence {
		if v := get(idx); v != "" {
			in.Evidence[catID] = v
		}
	}
	return auth.NormalizeUsername(get(h.username)), in
}

func evidenceColumn(categoryID int) string {
	return fmt.Sprintf("bukti_k%d", categoryID)
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
