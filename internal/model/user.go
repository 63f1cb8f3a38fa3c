package model

import "time"

// Roles stored in users.role.
const (
	RolePatient   = "PATIENT"
	RoleCaregiver = "CAREGIVER"
)

// User represents a registered patient or caregiver as stored in the
// `users` table.  Optional profile columns are pointers so that NULL
// survives a round trip.
//
// Fields:
//  ID               – primary key identifier.
//  Email            – unique, lower-cased email address.
//  PasswordHash     – bcrypt hash of the password.
//  FullName         – display name.
//  Phone            – contact number (nullable).
//  BirthDate        – date of birth (nullable).
//  Gender           – free-form gender (nullable).
//  Address          – postal address (nullable).
//  EmergencyContact – person to call in an emergency (nullable).
//  AvatarFileID     – GridFS id of the uploaded avatar (nullable).
//  Role             – PATIENT or CAREGIVER.
//  IsActive         – inactive users cannot log in.
type User struct {
	ID               uint64     // users.id
	Email            string     // users.email
	PasswordHash     string     // users.password_hash
	FullName         string     // users.full_name
	Phone            *string    // users.phone
	BirthDate        *time.Time // users.birth_date
	Gender           *string    // users.gender
	Address          *string    // users.address
	EmergencyContact *string    // users.emergency_contact
	AvatarFileID     *string    // users.avatar_file_id
	Role             string     // users.role
	IsActive         bool       // users.is_active
	CreatedAt        time.Time  // users.created_at
	UpdatedAt        time.Time  // users.updated_at
}

// RefreshToken models an entry in the `refresh_tokens` table.  Only the
// SHA-256 hash of the token handed to the client is stored.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}
