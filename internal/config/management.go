package config

import (
	"crypto/subtle"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// CheckManagementKey reports whether candidate unlocks the management API.
// The plain key is compared in constant time; the hash must be bcrypt.
func CheckManagementKey(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" || !cfg.Security.HasManagementKey() {
		return false
	}
	if plain := cfg.Security.ManagementKey; plain != "" {
		if subtle.ConstantTimeCompare([]byte(plain), []byte(candidate)) == 1 {
			return true
		}
	}
	hash := strings.TrimSpace(cfg.Security.ManagementKeyHash)
	if hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate))
	if err != nil && err != bcrypt.ErrMismatchedHashAndPassword {
		log.WithError(err).Warn("management_key_hash is not a usable bcrypt hash")
	}
	return err == nil
}
