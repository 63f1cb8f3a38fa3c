package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/patient-care-reminder/internal/model"
	"github.com/iliyamo/patient-care-reminder/internal/utils"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

const userColumns = "id,email,password_hash,full_name,phone,birth_date,gender,address," +
	"emergency_contact,avatar_file_id,role,is_active,created_at,updated_at"

// NewUser holds the fields collected at registration.
type NewUser struct {
	Email            string
	Password         string
	FullName         string
	Role             string
	Phone            *string
	BirthDate        *time.Time
	Gender           *string
	Address          *string
	EmergencyContact *string
}

// UserUpdate is a partial profile update.  Nil fields are left untouched.
type UserUpdate struct {
	Email            *string
	FullName         *string
	Phone            *string
	BirthDate        *time.Time
	Gender           *string
	Address          *string
	EmergencyContact *string
}

// empty reports whether the update would change nothing.
func (u UserUpdate) empty() bool {
	return u.Email == nil && u.FullName == nil && u.Phone == nil && u.BirthDate == nil &&
		u.Gender == nil && u.Address == nil && u.EmergencyContact == nil
}

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// NormalizeEmail lower-cases and trims an address the way it is stored.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Create hashes the password, inserts the user and returns its ID.
func (r *UserRepo) Create(ctx context.Context, in NewUser, cost int) (uint64, error) {
	hash, err := utils.HashPassword(in.Password, cost)
	if err != nil {
		return 0, err
	}
	role := in.Role
	if role == "" {
		role = model.RolePatient
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email,password_hash,full_name,phone,birth_date,gender,address,emergency_contact,role) "+
			"VALUES (?,?,?,?,?,?,?,?,?)",
		NormalizeEmail(in.Email), hash, strings.TrimSpace(in.FullName),
		in.Phone, in.BirthDate, in.Gender, in.Address, in.EmergencyContact, role)
	if err != nil {
		return 0, mapDuplicate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", NormalizeEmail(email))
	return scanUser(row)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
	return scanUser(row)
}

// Update applies the non-nil fields of upd and returns the stored row.
func (r *UserRepo) Update(ctx context.Context, id uint64, upd UserUpdate) (model.User, error) {
	if upd.empty() {
		return r.GetByID(ctx, id)
	}

	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if upd.Email != nil {
		add("email", NormalizeEmail(*upd.Email))
	}
	if upd.FullName != nil {
		add("full_name", strings.TrimSpace(*upd.FullName))
	}
	if upd.Phone != nil {
		add("phone", blankToNil(*upd.Phone))
	}
	if upd.BirthDate != nil {
		add("birth_date", *upd.BirthDate)
	}
	if upd.Gender != nil {
		add("gender", blankToNil(*upd.Gender))
	}
	if upd.Address != nil {
		add("address", blankToNil(*upd.Address))
	}
	if upd.EmergencyContact != nil {
		add("emergency_contact", blankToNil(*upd.EmergencyContact))
	}
	args = append(args, id)

	if _, err := r.DB.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(sets, ",")+" WHERE id=?", args...); err != nil {
		return model.User{}, mapDuplicate(err)
	}
	// MySQL reports zero affected rows for no-op updates, so existence is
	// checked by reading the row back.
	return r.GetByID(ctx, id)
}

// SetAvatar records the GridFS id of the user's avatar.
func (r *UserRepo) SetAvatar(ctx context.Context, id uint64, fileID string) error {
	res, err := r.DB.ExecContext(ctx, "UPDATE users SET avatar_file_id=? WHERE id=?", fileID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetPassword replaces the stored bcrypt hash.
func (r *UserRepo) SetPassword(ctx context.Context, id uint64, password string, cost int) error {
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, "UPDATE users SET password_hash=? WHERE id=?", hash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Phone, &u.BirthDate,
		&u.Gender, &u.Address, &u.EmergencyContact, &u.AvatarFileID, &u.Role, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

func mapDuplicate(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return ErrEmailExists
	}
	return err
}

// blankToNil stores empty optional strings as NULL.
func blankToNil(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
