package institution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"asncorpu/internal/logger"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("institution not found")
	ErrNotAnInstitution = errors.New("account is not an institution")
)

// Types lists the institution kinds accepted on a profile.
var Types = []string{
	"Kementerian",
	"Lembaga",
	"Pemerintah Provinsi",
	"Pemerintah Kabupaten/Kota",
}

type Service struct {
	db  *sql.DB
	log *zap.Logger
}

type Profile struct {
	UserID          int64      `json:"user_id"`
	Username        string     `json:"username"`
	FullName        string     `json:"full_name"`
	Name            string     `json:"name"`
	InstitutionType string     `json:"institution_type,omitempty"`
	Address         string     `json:"address,omitempty"`
	PICName         string     `json:"pic_name,omitempty"`
	PICPhone        string     `json:"pic_phone,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	Complete        bool       `json:"complete"`
}

type ListItem struct {
	Profile
	IsActive    bool `json:"is_active"`
	SurveyCount int  `json:"survey_count"`
	LatestYear  *int `json:"latest_year"`
}

type UpsertInput struct {
	Name            string
	InstitutionType string
	Address         string
	PICName         string
	PICPhone        string
}

func NewService(db *sql.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: logger.OrNop(log)}
}

const profileSelect = `
	SELECT u.id, u.username, u.full_name,
	       COALESCE(i.name, ''), COALESCE(i.institution_type, ''), COALESCE(i.address, ''),
	       COALESCE(i.pic_name, ''), COALESCE(i.pic_phone, ''), i.updated_at
	FROM users u
	LEFT JOIN institutions i ON i.user_id = u.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner, extra ...any) (*Profile, error) {
	var p Profile
	var updatedAt sql.NullTime
	dest := append([]any{
		&p.UserID, &p.Username, &p.FullName,
		&p.Name, &p.InstitutionType, &p.Address,
		&p.PICName, &p.PICPhone, &updatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		p.UpdatedAt = &t
	}
	p.Complete = p.UpdatedAt != nil && p.Name != "" && p.PICName != ""
	return &p, nil
}

// GetProfile returns the institution profile for a user. A user that has
// never saved a profile gets an empty one named after the account.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, profileSelect+`WHERE u.id = $1 AND u.role = 'institusi'`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get institution: %w", err)
	}
	if p.Name == "" {
		p.Name = p.FullName
	}
	return p, nil
}

func (s *Service) UpsertProfile(ctx context.Context, userID int64, in UpsertInput) (*Profile, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin institution tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var role string
	if err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load institution user: %w", err)
	}
	if role != "institusi" {
		return nil, ErrNotAnInstitution
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO institutions (user_id, name, institution_type, address, pic_name, pic_phone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE
		SET name = EXCLUDED.name,
		    institution_type = EXCLUDED.institution_type,
		    address = EXCLUDED.address,
		    pic_name = EXCLUDED.pic_name,
		    pic_phone = EXCLUDED.pic_phone,
		    updated_at = now()
	`, userID, in.Name, nullableString(in.InstitutionType), nullableString(in.Address),
		nullableString(in.PICName), nullableString(in.PICPhone)); err != nil {
		return nil, fmt.Errorf("upsert institution: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{"name": in.Name, "institution_type": in.InstitutionType})
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, payload, created_at)
		VALUES ($1, 'institution_profile_saved', 'institution', $2, $3::jsonb, now())
	`, userID, strconv.FormatInt(userID, 10), string(payload)); err != nil {
		return nil, fmt.Errorf("write audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit institution: %w", err)
	}

	s.log.Debug("institution profile saved", zap.Int64("user_id", userID))
	return s.GetProfile(ctx, userID)
}

func (s *Service) List(ctx context.Context, q string, limit, offset int) ([]ListItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q = strings.TrimSpace(q)

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.full_name,
		       COALESCE(i.name, ''), COALESCE(i.institution_type, ''), COALESCE(i.address, ''),
		       COALESCE(i.pic_name, ''), COALESCE(i.pic_phone, ''), i.updated_at,
		       u.is_active, COUNT(sr.id), MAX(sr.tahun)
		FROM users u
		LEFT JOIN institutions i ON i.user_id = u.id
		LEFT JOIN survey_responses sr ON sr.user_id = u.id
		WHERE u.role = 'institusi'
		  AND ($1 = '' OR u.username ILIKE '%' || $1 || '%' OR u.full_name ILIKE '%' || $1 || '%' OR i.name ILIKE '%' || $1 || '%')
		GROUP BY u.id, i.user_id
		ORDER BY COALESCE(i.name, u.full_name), u.id
		LIMIT $2 OFFSET $3
	`, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list institutions: %w", err)
	}
	defer rows.Close()

	out := make([]ListItem, 0, limit)
	for rows.Next() {
		var item ListItem
		var latest sql.NullInt64
		p, err := scanProfile(rows, &item.IsActive, &item.SurveyCount, &latest)
		if err != nil {
			return nil, fmt.Errorf("scan institution: %w", err)
		}
		if p.Name == "" {
			p.Name = p.FullName
		}
		item.Profile = *p
		if latest.Valid {
			y := int(latest.Int64)
			item.LatestYear = &y
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func normalizeInput(in UpsertInput) (UpsertInput, error) {
	in.Name = strings.Join(strings.Fields(in.Name), " ")
	in.InstitutionType = strings.TrimSpace(in.InstitutionType)
	in.Address = strings.TrimSpace(in.Address)
	in.PICName = strings.Join(strings.Fields(in.PICName), " ")
	in.PICPhone = strings.TrimSpace(in.PICPhone)

	if in.Name == "" || len(in.Name) > 200 {
		return in, fmt.Errorf("%w: name is required (max 200 characters)", ErrInvalidInput)
	}
	if in.InstitutionType != "" && !isKnownType(in.InstitutionType) {
		return in, fmt.Errorf("%w: unknown institution_type", ErrInvalidInput)
	}
	if in.PICPhone != "" && !isPhone(in.PICPhone) {
		return in, fmt.Errorf("%w: pic_phone must be a phone number", ErrInvalidInput)
	}
	return in, nil
}

func isKnownType(t string) bool {
	for _, known := range Types {
		if strings.EqualFold(known, t) {
			return true
		}
	}
	return false
}

func isPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return digits >= 6 && digits <= 15
}

func nullableString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
