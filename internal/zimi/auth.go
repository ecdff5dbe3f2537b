package zimi

import (
	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks the shared management password against the stored
// bcrypt hash. When no password is set every check passes.
type Authenticator struct {
	state *State
}

// NewAuthenticator wires the authenticator to the state store. If the
// configured password differs from the stored hash (or none is stored), the
// hash is (re)written so a password supplied via environment takes effect.
func NewAuthenticator(state *State, configured string) (*Authenticator, error) {
	a := &Authenticator{state: state}
	if configured == "" {
		return a, nil
	}
	if bcrypt.CompareHashAndPassword(state.PasswordHash(), []byte(configured)) == nil {
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(configured), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if err := state.SetPasswordHash(hash); err != nil {
		return nil, err
	}
	return a, nil
}

// Required reports whether a password is set at all.
func (a *Authenticator) Required() bool {
	return len(a.state.PasswordHash()) > 0
}

// Check verifies the supplied password. Always true when no password is set.
func (a *Authenticator) Check(password string) bool {
	hash := a.state.PasswordHash()
	if len(hash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
