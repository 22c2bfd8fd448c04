package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"asncorpu/internal/auth"
	"asncorpu/internal/logger"
	"asncorpu/internal/maturity"

	"go.uber.org/zap"
)

type Service struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func NewService(db *sql.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: logger.OrNop(log), now: time.Now}
}

// Verifier identifies the reviewer finalizing an overlay. Name is what gets
// persisted as verified_by.
type Verifier struct {
	ID   int64
	Name string
}

const recordSelect = `
	SELECT sr.id, sr.user_id, sr.tahun, sr.answers, sr.evidence, sr.submitted_at, sr.updated_at,
	       u.username, u.full_name, COALESCE(i.name, ''),
	       vo.survey_id IS NOT NULL, COALESCE(vo.answers, '{}'::jsonb), COALESCE(vo.is_verified, FALSE),
	       vo.verified_by, vo.verified_at, vo.updated_at
	FROM survey_responses sr
	JOIN users u ON u.id = sr.user_id
	LEFT JOIN institutions i ON i.user_id = sr.user_id
	LEFT JOIN verification_overlays vo ON vo.survey_id = sr.id
`

type record struct {
	survey          Survey
	username        string
	fullName        string
	institutionName string
	overlay         *maturity.Overlay
	overlayUpdated  *time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record, error) {
	var (
		rec                   record
		answersRaw, evidRaw   []byte
		overlayRaw            []byte
		hasOverlay, verified  bool
		verifiedBy            sql.NullString
		verifiedAt, updatedAt sql.NullTime
	)
	s := &rec.survey
	if err := row.Scan(
		&s.ID, &s.UserID, &s.Tahun, &answersRaw, &evidRaw, &s.SubmittedAt, &s.UpdatedAt,
		&rec.username, &rec.fullName, &rec.institutionName,
		&hasOverlay, &overlayRaw, &verified, &verifiedBy, &verifiedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if s.Answers, err = decodeAnswers(answersRaw); err != nil {
		return nil, err
	}
	if s.Evidence, err = decodeEvidence(evidRaw); err != nil {
		return nil, err
	}
	if hasOverlay {
		ov := &maturity.Overlay{IsVerified: verified}
		if ov.Answers, err = decodeAnswers(overlayRaw); err != nil {
			return nil, err
		}
		if verifiedBy.Valid {
			ov.VerifiedBy = &verifiedBy.String
		}
		if verifiedAt.Valid {
			t := verifiedAt.Time
			ov.VerifiedAt = &t
		}
		if updatedAt.Valid {
			t := updatedAt.Time
			rec.overlayUpdated = &t
		}
		rec.overlay = ov
	}
	s.VerificationStatus = rec.overlay.Status()
	return &rec, nil
}

func (s *Service) loadRecord(ctx context.Context, where string, args ...any) (*record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, recordSelect+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSurveyNotFound
		}
		return nil, fmt.Errorf("load survey: %w", err)
	}
	return rec, nil
}

// Submit stores the institution's answers for a year. A resubmission
// replaces the previous answers and discards any verification overlay in the
// same transaction, so stale reviewer edits can never be reported.
func (s *Service) Submit(ctx context.Context, actorID int64, in SubmitInput) (*SubmitResult, error) {
	if err := validateYear(in.Tahun); err != nil {
		return nil, err
	}
	if in.UserID <= 0 {
		return nil, ErrNotInstitution
	}
	answers, err := normalizeAnswers(in.Answers)
	if err != nil {
		return nil, err
	}
	evidence, err := normalizeEvidence(in.Evidence)
	if err != nil {
		return nil, err
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var role string
	var active bool
	if err := tx.QueryRowContext(ctx, `SELECT role, is_active FROM users WHERE id = $1`, in.UserID).Scan(&role, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotInstitution
		}
		return nil, fmt.Errorf("load submitter: %w", err)
	}
	if role != auth.RoleInstitusi || !active {
		return nil, ErrNotInstitution
	}

	out := &Survey{UserID: in.UserID, Tahun: in.Tahun, Answers: answers, Evidence: evidence}
	var resubmitted bool
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO survey_responses (user_id, tahun, answers, evidence, submitted_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, now(), now())
		ON CONFLICT (user_id, tahun) DO UPDATE
		SET answers = EXCLUDED.answers, evidence = EXCLUDED.evidence, updated_at = now()
		RETURNING id, submitted_at, updated_at, (xmax <> 0)
	`, in.UserID, in.Tahun, string(answersJSON), string(evidenceJSON)).Scan(&out.ID, &out.SubmittedAt, &out.UpdatedAt, &resubmitted); err != nil {
		return nil, fmt.Errorf("upsert survey: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM verification_overlays WHERE survey_id = $1`, out.ID)
	if err != nil {
		return nil, fmt.Errorf("clear verification: %w", err)
	}
	cleared, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	out.VerificationStatus = maturity.StatusPending

	s.audit(ctx, actorID, "survey_submitted", out.ID, map[string]any{
		"user_id":              in.UserID,
		"tahun":                in.Tahun,
		"answered":             len(answers),
		"resubmitted":          resubmitted,
		"verification_cleared": cleared > 0,
	})
	if cleared > 0 {
		s.log.Info("verification discarded by resubmission",
			zap.Int64("survey_id", out.ID), zap.Int64("user_id", in.UserID), zap.Int("tahun", in.Tahun))
	}
	return &SubmitResult{Survey: out, Resubmitted: resubmitted, VerificationCleared: cleared > 0}, nil
}

func (s *Service) GetSurvey(ctx context.Context, userID int64, tahun int) (*Survey, error) {
	if err := validateYear(tahun); err != nil {
		return nil, err
	}
	rec, err := s.loadRecord(ctx, `WHERE sr.user_id = $1 AND sr.tahun = $2`, userID, tahun)
	if err != nil {
		return nil, err
	}
	return &rec.survey, nil
}

// Result recomputes the self-assessment and, when verified, the overlay
// assessment. Nothing derived is ever read back from storage.
func (s *Service) Result(ctx context.Context, userID int64, tahun int) (*Result, error) {
	if err := validateYear(tahun); err != nil {
		return nil, err
	}
	rec, err := s.loadRecord(ctx, `WHERE sr.user_id = $1 AND sr.tahun = $2`, userID, tahun)
	if err != nil {
		return nil, err
	}
	return buildResult(&rec.survey, rec.fullName, rec.overlay), nil
}

func (s *Service) ListYears(ctx context.Context, userID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tahun FROM survey_responses WHERE user_id = $1 ORDER BY tahun DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list survey years: %w", err)
	}
	defer rows.Close()

	years := make([]int, 0, 4)
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, fmt.Errorf("scan survey year: %w", err)
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

// GetVerification returns the stored overlay, or an unsaved draft seeded
// from the self-assessment when the reviewer has not started yet.
func (s *Service) GetVerification(ctx context.Context, surveyID int64) (*Verification, error) {
	rec, err := s.loadRecord(ctx, `WHERE sr.id = $1`, surveyID)
	if err != nil {
		return nil, err
	}
	if rec.overlay == nil {
		return newVerification(surveyID, &maturity.Overlay{Answers: copyAnswers(rec.survey.Answers)}, nil, false), nil
	}
	return newVerification(surveyID, rec.overlay, rec.overlayUpdated, true), nil
}

func (s *Service) SaveVerification(ctx context.Context, actorID, surveyID int64, raw map[string]any) (*Verification, error) {
	answers, err := normalizeAnswers(raw)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin verification tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ov, err := lockOverlay(ctx, tx, surveyID)
	if err != nil {
		return nil, err
	}
	if ov == nil {
		ov = &maturity.Overlay{}
	}
	if err := ov.Edit(answers); err != nil {
		return nil, err
	}
	updatedAt, err := writeOverlay(ctx, tx, surveyID, actorID, ov)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit verification: %w", err)
	}

	s.audit(ctx, actorID, "verification_saved", surveyID, map[string]any{"answered": len(answers)})
	return newVerification(surveyID, ov, &updatedAt, true), nil
}

// Verify finalizes the overlay. If the reviewer never edited anything the
// self-assessment answers are accepted as the verified answers.
func (s *Service) Verify(ctx context.Context, surveyID int64, by Verifier) (*Verification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin verify tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ov, err := lockOverlay(ctx, tx, surveyID)
	if err != nil {
		return nil, err
	}
	if ov == nil {
		var raw []byte
		if err := tx.QueryRowContext(ctx, `SELECT answers FROM survey_responses WHERE id = $1`, surveyID).Scan(&raw); err != nil {
			return nil, fmt.Errorf("load self answers: %w", err)
		}
		self, err := decodeAnswers(raw)
		if err != nil {
			return nil, err
		}
		ov = &maturity.Overlay{Answers: self}
	}
	if err := ov.Verify(by.Name, s.now().UTC()); err != nil {
		return nil, err
	}
	updatedAt, err := writeOverlay(ctx, tx, surveyID, by.ID, ov)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit verify: %w", err)
	}

	s.audit(ctx, by.ID, "survey_verified", surveyID, map[string]any{"verified_by": by.Name})
	s.log.Info("survey verified", zap.Int64("survey_id", surveyID), zap.String("verified_by", by.Name))
	return newVerification(surveyID, ov, &updatedAt, true), nil
}

// lockOverlay locks the survey row (and overlay row, if any) for the rest of
// the transaction. A nil overlay with nil error means none exists yet.
func lockOverlay(ctx context.Context, tx *sql.Tx, surveyID int64) (*maturity.Overlay, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM survey_responses WHERE id = $1 FOR UPDATE`, surveyID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSurveyNotFound
		}
		return nil, fmt.Errorf("lock survey: %w", err)
	}

	var (
		raw        []byte
		verified   bool
		verifiedBy sql.NullString
		verifiedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT answers, is_verified, verified_by, verified_at
		FROM verification_overlays
		WHERE survey_id = $1
		FOR UPDATE
	`, surveyID).Scan(&raw, &verified, &verifiedBy, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock verification: %w", err)
	}

	answers, err := decodeAnswers(raw)
	if err != nil {
		return nil, err
	}
	ov := &maturity.Overlay{Answers: answers, IsVerified: verified}
	if verifiedBy.Valid {
		ov.VerifiedBy = &verifiedBy.String
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		ov.VerifiedAt = &t
	}
	return ov, nil
}

func writeOverlay(ctx context.Context, tx *sql.Tx, surveyID, actorID int64, ov *maturity.Overlay) (time.Time, error) {
	b, err := json.Marshal(ov.Answers)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode verification answers: %w", err)
	}
	var updatedAt time.Time
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO verification_overlays (survey_id, answers, is_verified, verified_by, verified_at, updated_by, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6, now())
		ON CONFLICT (survey_id) DO UPDATE
		SET answers = EXCLUDED.answers,
		    is_verified = EXCLUDED.is_verified,
		    verified_by = EXCLUDED.verified_by,
		    verified_at = EXCLUDED.verified_at,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = now()
		RETURNING updated_at
	`, surveyID, string(b), ov.IsVerified, ov.VerifiedBy, ov.VerifiedAt, nullableID(actorID)).Scan(&updatedAt); err != nil {
		return time.Time{}, fmt.Errorf("write verification: %w", err)
	}
	return updatedAt, nil
}

func newVerification(surveyID int64, ov *maturity.Overlay, updatedAt *time.Time, persisted bool) *Verification {
	answers := ov.Answers
	if answers == nil {
		answers = maturity.Answers{}
	}
	return &Verification{
		SurveyID:   surveyID,
		Answers:    answers,
		IsVerified: ov.IsVerified,
		VerifiedBy: ov.VerifiedBy,
		VerifiedAt: ov.VerifiedAt,
		UpdatedAt:  updatedAt,
		Persisted:  persisted,
		Status:     ov.Status(),
		Score:      maturity.Assess(answers),
	}
}

// YearReport lists every submission for a year with both assessments
// recomputed from the stored answers.
func (s *Service) YearReport(ctx context.Context, tahun int) ([]ReportRow, error) {
	if err := validateYear(tahun); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, recordSelect+`
		WHERE sr.tahun = $1
		ORDER BY COALESCE(i.name, u.full_name), sr.id
	`, tahun)
	if err != nil {
		return nil, fmt.Errorf("query year report: %w", err)
	}
	defer rows.Close()

	out := make([]ReportRow, 0, 32)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan year report: %w", err)
		}
		out = append(out, newReportRow(ReportRow{
			SurveyID:        rec.survey.ID,
			UserID:          rec.survey.UserID,
			Username:        rec.username,
			FullName:        rec.fullName,
			InstitutionName: rec.institutionName,
			Tahun:           rec.survey.Tahun,
			SubmittedAt:     rec.survey.SubmittedAt,
			UpdatedAt:       rec.survey.UpdatedAt,
		}, rec.survey.Answers, rec.overlay))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate year report: %w", err)
	}
	return out, nil
}

func (s *Service) YearStats(ctx context.Context, tahun int) (*YearStats, error) {
	rows, err := s.YearReport(ctx, tahun)
	if err != nil {
		return nil, err
	}
	return computeStats(tahun, rows), nil
}

func (s *Service) audit(ctx context.Context, actorID int64, action string, surveyID int64, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, payload, created_at)
			VALUES ($1, $2, 'survey', $3, $4::jsonb, now())
		`, nullableID(actorID), action, strconv.FormatInt(surveyID, 10), string(b))
	}
	if err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Int64("survey_id", surveyID), zap.Error(err))
	}
}

func nullableID(id int64) interface{} {
	if id <= 0 {
		return nil
	}
	return id
}
