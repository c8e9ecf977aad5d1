// Package crsign signs challenge-response authentication challenges.
package crsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/weapp/spell/wamp"
)

// SignChallenge computes the HMAC-SHA256 over the challenge string and
// returns the result as a base64-encoded string.
func SignChallenge(ch string, key []byte) string {
	sig := hmac.New(sha256.New, key)
	sig.Write([]byte(ch))
	return base64.StdEncoding.EncodeToString(sig.Sum(nil))
}

// RespondChallenge creates a signed response to a CHALLENGE message, using
// the given password as the signing key.  If the challenge extra contains
// salting information (salt, keylen, iterations), the key is first derived
// with PBKDF2 as required for salted challenge-response authentication.  The
// hash function h is used for key derivation; nil means SHA-256.
func RespondChallenge(password string, c *wamp.Challenge, h func() hash.Hash) string {
	key := []byte(password)
	if saltStr, _ := wamp.AsString(c.Extra["salt"]); saltStr != "" {
		// Salted password.  Derive the signing key from the password, salt,
		// and work factors given in the challenge.
		keylen, _ := wamp.AsInt64(c.Extra["keylen"])
		if keylen <= 0 {
			keylen = 32
		}
		iters, _ := wamp.AsInt64(c.Extra["iterations"])
		if iters <= 0 {
			iters = 1000
		}
		if h == nil {
			h = sha256.New
		}
		key = pbkdf2.Key(key, []byte(saltStr), int(iters), int(keylen), h)
		key = []byte(base64.StdEncoding.EncodeToString(key))
	}
	chStr, _ := wamp.AsString(c.Extra["challenge"])
	return SignChallenge(chStr, key)
}
