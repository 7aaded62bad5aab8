package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ServiceKeyVerifier authenticates non-user producers (game services, admin
// tooling) against a single shared key stored as a bcrypt hash in
// configuration. An empty hash disables service-key authentication.
type ServiceKeyVerifier struct {
	hash []byte
}

// ServicePermissions is granted to every service-key principal.
var ServicePermissions = []string{"events:publish", "events:subscribe", "admin:broadcast"}

func NewServiceKeyVerifier(bcryptHash string) *ServiceKeyVerifier {
	return &ServiceKeyVerifier{hash: []byte(bcryptHash)}
}

// Enabled reports whether a service key hash is configured.
func (v *ServiceKeyVerifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify checks the presented key against the configured hash.
func (v *ServiceKeyVerifier) Verify(key string) error {
	if !v.Enabled() {
		return errors.New("service key authentication is disabled")
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(key))
}

// HashServiceKey produces a bcrypt hash suitable for SERVICE_KEY_HASH.
func HashServiceKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
