package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SharedSalt is known to every client and server. Hashes must be
// deterministic so the server can compare the LOGIN hash byte for byte.
var SharedSalt = []byte("relaychat-shared-salt-v1")

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
)

// HashString derives the credential hash of a password with the shared salt.
func HashString(originalString string) string {
	key := argon2.IDKey([]byte(originalString), SharedSalt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(SharedSalt),
		base64.RawStdEncoding.EncodeToString(key))
}

// VerifyHashedString compares a client-supplied hash with the stored one in
// constant time.
func VerifyHashedString(clientHash, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(clientHash), []byte(storedHash)) == 1
}
