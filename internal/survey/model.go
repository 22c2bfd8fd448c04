package survey

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"asncorpu/internal/maturity"
)

const (
	MinYear = 2000
	MaxYear = 2100
)

var (
	ErrSurveyNotFound  = errors.New("survey not found")
	ErrInvalidYear     = errors.New("invalid survey year")
	ErrInvalidAnswer   = errors.New("invalid answer")
	ErrInvalidEvidence = errors.New("invalid evidence link")
	ErrNotInstitution  = errors.New("account is not an institution")
	ErrAlreadyVerified = maturity.ErrAlreadyVerified
)

// AnswerError points at the offending question so clients can highlight it.
type AnswerError struct {
	QuestionID string
	Reason     string
}

func (e *AnswerError) Error() string {
	return fmt.Sprintf("%s: %s", e.QuestionID, e.Reason)
}

func (e *AnswerError) Unwrap() error {
	return ErrInvalidAnswer
}

type Survey struct {
	ID                 int64             `json:"id"`
	UserID             int64             `json:"user_id"`
	Tahun              int               `json:"tahun"`
	Answers            maturity.Answers  `json:"answers"`
	Evidence           map[string]string `json:"evidence"`
	SubmittedAt        time.Time         `json:"submitted_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	VerificationStatus maturity.Status   `json:"verification_status"`
}

type Verification struct {
	SurveyID   int64               `json:"survey_id"`
	Answers    maturity.Answers    `json:"answers"`
	IsVerified bool                `json:"is_verified"`
	VerifiedBy *string             `json:"verified_by"`
	VerifiedAt *time.Time          `json:"verified_at"`
	UpdatedAt  *time.Time          `json:"updated_at,omitempty"`
	Persisted  bool                `json:"persisted"`
	Status     maturity.Status     `json:"status"`
	Score      maturity.Assessment `json:"score"`
}

type SubmitInput struct {
	UserID   int64
	Tahun    int
	Answers  map[string]any
	Evidence map[string]string
}

type SubmitResult struct {
	Survey              *Survey `json:"survey"`
	Resubmitted         bool    `json:"resubmitted"`
	VerificationCleared bool    `json:"verification_cleared"`
}

type CategoryScore struct {
	CategoryID int     `json:"categoryId"`
	Category   string  `json:"category"`
	Score      float64 `json:"score"`
}

type ResultSummary struct {
	TotalScore float64 `json:"totalScore"`
}

type VerifiedResult struct {
	Categories    []CategoryScore `json:"categories"`
	Summary       ResultSummary   `json:"summary"`
	MaturityLevel maturity.Level  `json:"maturityLevel"`
	MaturityColor string          `json:"maturityColor"`
	VerifiedBy    *string         `json:"verifiedBy"`
	VerifiedAt    *time.Time      `json:"verifiedAt"`
}

// Result is the payload dashboards chart from. Categories and Summary are
// always the self-assessment; Verification is null until verified.
type Result struct {
	SurveyID           int64           `json:"surveyId"`
	UserID             int64           `json:"userId"`
	Tahun              int             `json:"tahun"`
	FullName           string          `json:"fullName"`
	Categories         []CategoryScore `json:"categories"`
	Summary            ResultSummary   `json:"summary"`
	MaturityLevel      maturity.Level  `json:"maturityLevel"`
	MaturityColor      string          `json:"maturityColor"`
	VerificationStatus maturity.Status `json:"verificationStatus"`
	Verification       *VerifiedResult `json:"verification"`
}

type ReportRow struct {
	SurveyID        int64           `json:"survey_id"`
	UserID          int64           `json:"user_id"`
	Username        string          `json:"username"`
	FullName        string          `json:"full_name"`
	InstitutionName string          `json:"institution_name,omitempty"`
	Tahun           int             `json:"tahun"`
	SelfScore       float64         `json:"self_score"`
	SelfLevel       maturity.Level  `json:"self_level"`
	VerifiedScore   *float64        `json:"verified_score"`
	VerifiedLevel   *maturity.Level `json:"verified_level"`
	Status          maturity.Status `json:"status"`
	VerifiedBy      *string         `json:"verified_by,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	recon   maturity.Reconciliation
	answers maturity.Answers
}

type BandCount struct {
	Level maturity.Level `json:"level"`
	Color string         `json:"color"`
	Count int            `json:"count"`
}

type CategoryAverage struct {
	CategoryID      int      `json:"category_id"`
	Category        string   `json:"category"`
	SelfAverage     float64  `json:"self_average"`
	VerifiedAverage *float64 `json:"verified_average"`
}

type YearStats struct {
	Tahun                int               `json:"tahun"`
	Surveys              int               `json:"surveys"`
	Verified             int               `json:"verified"`
	AverageSelfScore     float64           `json:"average_self_score"`
	AverageVerifiedScore *float64          `json:"average_verified_score"`
	SelfDistribution     []BandCount       `json:"self_distribution"`
	VerifiedDistribution []BandCount       `json:"verified_distribution"`
	CategoryAverages     []CategoryAverage `json:"category_averages"`
}

func validateYear(tahun int) error {
	if tahun < MinYear || tahun > MaxYear {
		return ErrInvalidYear
	}
	return nil
}

// normalizeAnswers validates submitted answers against the catalog and
// returns them keyed by canonical question id with numeric values. Empty
// values are dropped; a partially answered survey is valid.
func normalizeAnswers(raw map[string]any) (maturity.Answers, error) {
	out := make(maturity.Answers, len(raw))
	for key, v := range raw {
		q, ok := maturity.LookupQuestion(key)
		if !ok {
			return nil, &AnswerError{QuestionID: key, Reason: "unknown question"}
		}
		f, present, ok := parseAnswerValue(v)
		if !present {
			continue
		}
		if !ok {
			return nil, &AnswerError{QuestionID: q.ID, Reason: "value must be numeric"}
		}
		if !q.AllowsValue(f) {
			return nil, &AnswerError{QuestionID: q.ID, Reason: "value is outside the allowed options"}
		}
		if _, dup := out[q.ID]; dup {
			return nil, &AnswerError{QuestionID: q.ID, Reason: "answered more than once"}
		}
		out[q.ID] = f
	}
	return out, nil
}

func parseAnswerValue(v any) (value float64, present bool, ok bool) {
	switch t := v.(type) {
	case nil:
		return 0, false, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, true, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, true, err == nil
	case float64:
		return t, true, true
	case int:
		return float64(t), true, true
	case int64:
		return float64(t), true, true
	default:
		return 0, true, false
	}
}

// normalizeEvidence keeps one http(s) link per known category id.
func normalizeEvidence(raw map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for key, link := range raw {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidEvidence, key)
		}
		if _, ok := maturity.CategoryByID(id); !ok {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidEvidence, key)
		}
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: category %d", ErrInvalidEvidence, id)
		}
		out[strconv.Itoa(id)] = u.String()
	}
	return out, nil
}

func toCategoryScores(s maturity.Summary) []CategoryScore {
	out := make([]CategoryScore, 0, len(s.PerCategory))
	for _, cs := range s.PerCategory {
		out = append(out, CategoryScore{CategoryID: cs.CategoryID, Category: cs.CategoryName, Score: cs.Subtotal})
	}
	return out
}

func buildResult(s *Survey, fullName string, overlay *maturity.Overlay) *Result {
	recon := maturity.Reconcile(s.Answers, overlay)
	res := &Result{
		SurveyID:           s.ID,
		UserID:             s.UserID,
		Tahun:              s.Tahun,
		FullName:           fullName,
		Categories:         toCategoryScores(recon.SelfAssessment.Summary),
		Summary:            ResultSummary{TotalScore: recon.SelfAssessment.TotalScore},
		MaturityLevel:      recon.SelfAssessment.Level,
		MaturityColor:      recon.SelfAssessment.Color,
		VerificationStatus: recon.Status,
	}
	if recon.Verification != nil {
		v := recon.Verification
		res.Verification = &VerifiedResult{
			Categories:    toCategoryScores(v.Summary),
			Summary:       ResultSummary{TotalScore: v.TotalScore},
			MaturityLevel: v.Level,
			MaturityColor: v.Color,
			VerifiedBy:    recon.VerifiedBy,
			VerifiedAt:    recon.VerifiedAt,
		}
	}
	return res
}

func newReportRow(base ReportRow, self maturity.Answers, overlay *maturity.Overlay) ReportRow {
	row := base
	row.answers = self
	row.recon = maturity.Reconcile(self, overlay)
	row.SelfScore = row.recon.SelfAssessment.TotalScore
	row.SelfLevel = row.recon.SelfAssessment.Level
	row.Status = row.recon.Status
	if v := row.recon.Verification; v != nil {
		score, level := v.TotalScore, v.Level
		row.VerifiedScore = &score
		row.VerifiedLevel = &level
		row.VerifiedBy = row.recon.VerifiedBy
	}
	return row
}

func computeStats(tahun int, rows []ReportRow) *YearStats {
	stats := &YearStats{
		Tahun:                tahun,
		Surveys:              len(rows),
		SelfDistribution:     emptyDistribution(),
		VerifiedDistribution: emptyDistribution(),
	}

	cats := maturity.ScoringCategories()
	selfSums := make([]float64, len(cats))
	verSums := make([]float64, len(cats))
	selfTotal, verTotal := 0.0, 0.0

	for _, row := range rows {
		selfTotal += row.SelfScore
		countLevel(stats.SelfDistribution, row.SelfLevel)
		for i, cs := range row.recon.SelfAssessment.PerCategory {
			selfSums[i] += cs.Subtotal
		}
		if v := row.recon.Verification; v != nil {
			stats.Verified++
			verTotal += v.TotalScore
			countLevel(stats.VerifiedDistribution, v.Level)
			for i, cs := range v.PerCategory {
				verSums[i] += cs.Subtotal
			}
		}
	}

	if stats.Surveys > 0 {
		stats.AverageSelfScore = selfTotal / float64(stats.Surveys)
	}
	if stats.Verified > 0 {
		avg := verTotal / float64(stats.Verified)
		stats.AverageVerifiedScore = &avg
	}

	stats.CategoryAverages = make([]CategoryAverage, 0, len(cats))
	for i, c := range cats {
		ca := CategoryAverage{CategoryID: c.ID, Category: c.Name}
		if stats.Surveys > 0 {
			ca.SelfAverage = selfSums[i] / float64(stats.Surveys)
		}
		if stats.Verified > 0 {
			avg := verSums[i] / float64(stats.Verified)
			ca.VerifiedAverage = &avg
		}
		stats.CategoryAverages = append(stats.CategoryAverages, ca)
	}
	return stats
}

func emptyDistribution() []BandCount {
	out := make([]BandCount, 0, len(maturity.Bands)+1)
	for _, b := range maturity.Bands {
		out = append(out, BandCount{Level: b.Level, Color: b.Color})
	}
	return append(out, BandCount{Level: maturity.LevelUnknown, Color: maturity.LevelUnknown.Color()})
}

func countLevel(dist []BandCount, lvl maturity.Level) {
	for i := range dist {
		if dist[i].Level == lvl {
			dist[i].Count++
			return
		}
	}
}

func decodeAnswers(raw []byte) (maturity.Answers, error) {
	out := maturity.Answers{}
	if len(raw) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return out, nil
}

func decodeEvidence(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return out, nil
}

func copyAnswers(in maturity.Answers) maturity.Answers {
	out := make(maturity.Answers, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
