package streaming

import (
	"crypto/sha256"
	"crypto/subtle"
)

// BearerValidator vets opaque bearer tokens. Installed by the embedding
// process when API keys are not enough.
type BearerValidator func(token string) bool

type authenticator struct {
	enabled  bool
	keys     [][32]byte
	validate BearerValidator
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	a := &authenticator{enabled: cfg.Enabled}
	for _, k := range cfg.APIKeys {
		a.keys = append(a.keys, sha256.Sum256([]byte(k)))
	}
	return a
}

func (a *authenticator) required() bool {
	return a.enabled
}

// check accepts a token matching any configured API key or passing the
// bearer validator. Keys are compared as digests so the comparison is
// constant time regardless of key lengths.
func (a *authenticator) check(token string) bool {
	if !a.enabled {
		return true
	}

	sum := sha256.Sum256([]byte(token))
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], k[:]) == 1 {
			ok = true
		}
	}
	if ok {
		return true
	}
	if a.validate != nil {
		return a.validate(token)
	}
	return false
}
