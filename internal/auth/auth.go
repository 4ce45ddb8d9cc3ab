package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

type PasswordStore interface {
	GetMemberPasswordHash(ctx context.Context, memberID int64) (string, error)
}

// Verifier is the password-reverification collaborator for the secure
// mutation workflow. Session token issuance is handled elsewhere.
type Verifier struct {
	store PasswordStore
}

func NewVerifier(store PasswordStore) *Verifier {
	return &Verifier{store: store}
}

func (v *Verifier) VerifyPassword(ctx context.Context, memberID int64, password string) (bool, error) {
	hash, err := v.store.GetMemberPasswordHash(ctx, memberID)
	if err != nil {
		return false, err
	}
	switch err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// HashPassword produces the stored form of a member password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
