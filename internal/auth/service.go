package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"asncorpu/internal/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin       = "admin"
	RoleVerifikator = "verifikator"
	RoleInstitusi   = "institusi"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrBootstrapDenied    = errors.New("bootstrap denied")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username or email already used")
	ErrInvalidInput       = errors.New("invalid input")
)

type Service struct {
	db             *sql.DB
	tokens         *TokenManager
	sessionTTL     time.Duration
	bcryptCost     int
	bootstrapToken string
	log            *zap.Logger
}

type ServiceConfig struct {
	SessionSecret  string
	SessionTTL     time.Duration
	BcryptCost     int
	BootstrapToken string
	Logger         *zap.Logger
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email,omitempty"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) IsReviewer() bool {
	return u.Role == RoleAdmin || u.Role == RoleVerifikator
}

type CreateUserInput struct {
	Username string
	Email    string
	Password string
	FullName string
	Role     string
}

type BootstrapInput struct {
	Token    string
	Username string
	Email    string
	Password string
	FullName string
}

func NewService(db *sql.DB, cfg ServiceConfig) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		db:             db,
		tokens:         NewTokenManager(cfg.SessionSecret),
		sessionTTL:     cfg.SessionTTL,
		bcryptCost:     cfg.BcryptCost,
		bootstrapToken: strings.TrimSpace(cfg.BootstrapToken),
		log:            logger.OrNop(cfg.Logger),
	}
}

const userColumns = `id, username, email, full_name, role, is_active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, extra ...any) (*User, error) {
	var u User
	var email sql.NullString
	dest := append([]any{&u.ID, &u.Username, &email, &u.FullName, &u.Role, &u.IsActive, &u.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if email.Valid {
		u.Email = &email.String
	}
	return &u, nil
}

func (s *Service) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	username := NormalizeUsername(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var passwordHash string
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`, password_hash
		FROM users
		WHERE username = $1 OR lower(email) = $2
		LIMIT 1
	`, username, identifier), &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrForbidden
	}
	return u, nil
}

func (s *Service) CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
	sessionID := uuid.New()
	expiresAt := time.Now().Add(s.sessionTTL)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, sessionID, userID, expiresAt, nullableString(ipAddress), nullableString(userAgent)); err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}

	token, err := s.tokens.Issue(sessionID, userID, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *Service) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	sessionID, userID, err := s.tokens.Parse(token)
	if err != nil {
		return nil, ErrUnauthorized
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, u.full_name, u.role, u.is_active, u.created_at
		FROM auth_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1
		  AND s.user_id = $2
		  AND s.revoked_at IS NULL
		  AND s.expires_at > now()
		LIMIT 1
	`, sessionID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("query session user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrUnauthorized
	}
	return u, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	sessionID, _, err := s.tokens.Parse(token)
	if err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// BootstrapAdmin creates the first admin account. It is refused once any
// admin exists or when no bootstrap token is configured.
func (s *Service) BootstrapAdmin(ctx context.Context, in BootstrapInput) (*User, error) {
	if s.bootstrapToken == "" || !secureEqual(strings.TrimSpace(in.Token), s.bootstrapToken) {
		return nil, ErrBootstrapDenied
	}

	fullName := in.FullName
	if strings.TrimSpace(fullName) == "" {
		fullName = "Administrator"
	}
	row, err := s.newUserRow(CreateUserInput{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
		FullName: fullName,
		Role:     RoleAdmin,
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bootstrap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serializes concurrent bootstraps until commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		return nil, fmt.Errorf("lock bootstrap: %w", err)
	}
	var adminExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE role = 'admin')`).Scan(&adminExists); err != nil {
		return nil, fmt.Errorf("check admin: %w", err)
	}
	if adminExists {
		return nil, ErrBootstrapDenied
	}
	u, err := insertUser(ctx, tx, row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bootstrap: %w", err)
	}

	s.audit(ctx, 0, "user_created", u.ID, map[string]any{"username": u.Username, "role": u.Role, "bootstrap": true})
	return u, nil
}

func (s *Service) CreateUser(ctx context.Context, actorID int64, in CreateUserInput) (*User, error) {
	row, err := s.newUserRow(in)
	if err != nil {
		return nil, err
	}
	u, err := insertUser(ctx, s.db, row)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actorID, "user_created", u.ID, map[string]any{"username": u.Username, "role": u.Role})
	return u, nil
}

// bootstrapLockKey is the pg advisory lock guarding the first-admin insert.
const bootstrapLockKey int64 = 0x61736e636f7270

type userRow struct {
	username, email, fullName, role, passwordHash string
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// newUserRow validates and normalizes input and hashes the password.
func (s *Service) newUserRow(in CreateUserInput) (userRow, error) {
	row := userRow{
		username: NormalizeUsername(in.Username),
		email:    strings.ToLower(strings.TrimSpace(in.Email)),
		fullName: strings.TrimSpace(in.FullName),
		role:     strings.ToLower(strings.TrimSpace(in.Role)),
	}
	if row.username == "" || row.fullName == "" || !isValidRole(row.role) || len(in.Password) < 8 {
		return userRow{}, ErrInvalidInput
	}
	if row.email != "" {
		if _, err := mail.ParseAddress(row.email); err != nil {
			return userRow{}, ErrInvalidInput
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return userRow{}, fmt.Errorf("hash password: %w", err)
	}
	row.passwordHash = string(hash)
	return row, nil
}

func insertUser(ctx context.Context, q queryRower, row userRow) (*User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `
		INSERT INTO users (username, email, full_name, role, password_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, now(), now())
		RETURNING `+userColumns,
		row.username, nullableString(row.email), row.fullName, row.role, row.passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *Service) FindByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, NormalizeUsername(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, role, q string, limit, offset int) ([]User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != "" && !isValidRole(role) {
		return nil, ErrInvalidInput
	}
	q = strings.TrimSpace(q)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE ($1 = '' OR role = $1)
		  AND ($2 = '' OR username ILIKE '%' || $2 || '%' OR full_name ILIKE '%' || $2 || '%')
		ORDER BY full_name ASC, id ASC
		LIMIT $3 OFFSET $4
	`, role, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Service) DeactivateUser(ctx context.Context, actorID, userID int64) error {
	if userID <= 0 {
		return ErrInvalidInput
	}
	if actorID == userID {
		return ErrForbidden
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_sessions SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deactivate: %w", err)
	}

	s.audit(ctx, actorID, "user_deactivated", userID, nil)
	return nil
}

func (s *Service) audit(ctx context.Context, actorID int64, action string, userID int64, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, payload, created_at)
			VALUES ($1, $2, 'user', $3, $4::jsonb, now())
		`, nullableID(actorID), action, fmt.Sprintf("%d", userID), string(b))
	}
	if err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Int64("user_id", userID), zap.Error(err))
	}
}

func isValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleVerifikator, RoleInstitusi:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// NormalizeUsername is the canonical stored form of a username: lowercase,
// with only letters, digits, dot, underscore and dash kept.
func NormalizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._-")
}

func nullableString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) interface{} {
	if id <= 0 {
		return nil
	}
	return id
}

func secureEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return ha == hb
}
