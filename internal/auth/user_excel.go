package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type UserImportRowError struct {
	Row      int    `json:"row"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error"`
}

type UserImportReport struct {
	TotalRows   int                  `json:"total_rows"`
	CreatedRows int                  `json:"created_rows"`
	UpdatedRows int                  `json:"updated_rows"`
	FailedRows  int                  `json:"failed_rows"`
	Errors      []UserImportRowError `json:"errors"`
}

func (s *Service) ExportUsersExcel(ctx context.Context, role, q string) ([]byte, error) {
	const pageSize = 500
	var items []User
	for offset := 0; ; offset += pageSize {
		page, err := s.ListUsers(ctx, role, q, pageSize, offset)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(page) < pageSize {
			break
		}
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	headers := []string{"username", "email", "full_name", "role", "is_active", "created_at"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range items {
		row := i + 2
		email := ""
		if it.Email != nil {
			email = *it.Email
		}
		values := []any{
			it.Username,
			email,
			it.FullName,
			it.Role,
			it.IsActive,
			it.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "F", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// ImportUsersExcel onboards accounts in bulk. New usernames are created with
// the given password; existing ones get their name and email refreshed. The
// role of an existing account is never changed by an import.
func (s *Service) ImportUsersExcel(ctx context.Context, actorID int64, r io.Reader) (*UserImportReport, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open excel: %v", ErrInvalidInput, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: excel sheet is empty", ErrInvalidInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read rows: %v", ErrInvalidInput, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: no data rows found", ErrInvalidInput)
	}

	header := map[string]int{}
	for i, h := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"username", "full_name", "role"} {
		if _, ok := header[col]; !ok {
			return nil, fmt.Errorf("%w: missing required column: %s", ErrInvalidInput, col)
		}
	}

	report := &UserImportReport{Errors: make([]UserImportRowError, 0)}
	for i := 1; i < len(rows); i++ {
		rowNo := i + 1
		row := rows[i]

		get := func(key string) string {
			idx, ok := header[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		username := NormalizeUsername(get("username"))
		fullName := get("full_name")
		role := strings.ToLower(get("role"))
		email := strings.ToLower(get("email"))
		password := get("password")
		activeRaw := get("is_active")
		if username == "" && fullName == "" && role == "" {
			continue
		}
		report.TotalRows++

		fail := func(msg string) {
			report.FailedRows++
			report.Errors = append(report.Errors, UserImportRowError{Row: rowNo, Username: username, Error: msg})
		}

		if username == "" || fullName == "" || !isValidRole(role) {
			fail("username/full_name/role tidak valid")
			continue
		}
		if email != "" {
			if _, err := mail.ParseAddress(email); err != nil {
				fail("email tidak valid")
				continue
			}
		}

		existing, err := s.FindByUsername(ctx, username)
		switch {
		case errors.Is(err, ErrUserNotFound):
			if len(password) < 8 {
				fail("password minimal 8 karakter untuk user baru")
				continue
			}
			created, err := s.CreateUser(ctx, actorID, CreateUserInput{
				Username: username,
				Email:    email,
				Password: password,
				FullName: fullName,
				Role:     role,
			})
			if err != nil {
				fail(err.Error())
				continue
			}
			existing = created
			report.CreatedRows++
		case err != nil:
			return nil, err
		default:
			if existing.Role != role {
				fail("role user existing tidak dapat diubah lewat import")
				continue
			}
			if err := s.updateProfile(ctx, existing.ID, fullName, email); err != nil {
				if errors.Is(err, ErrUsernameTaken) {
					fail(err.Error())
					continue
				}
				return nil, err
			}
			report.UpdatedRows++
		}

		if activeRaw != "" && !parseBoolLoose(activeRaw) && existing.IsActive {
			if err := s.DeactivateUser(ctx, actorID, existing.ID); err != nil && !errors.Is(err, ErrForbidden) {
				s.log.Warn("import deactivate failed", zap.Int64("user_id", existing.ID), zap.Error(err))
			}
		}
	}

	s.audit(ctx, actorID, "users_imported", 0, map[string]any{
		"created": report.CreatedRows,
		"updated": report.UpdatedRows,
		"failed":  report.FailedRows,
	})
	return report, nil
}

func (s *Service) updateProfile(ctx context.Context, userID int64, fullName, email string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET full_name = $2, email = COALESCE($3, email), updated_at = now()
		WHERE id = $1
	`, userID, fullName, nullableString(email))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func parseBoolLoose(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return true
	}
	switch v {
	case "1", "true", "ya", "yes", "aktif":
		return true
	case "0", "false", "tidak", "no", "nonaktif":
		return false
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return n != 0
		}
		return true
	}
}
