package domain

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// fingerprintKey is the BLAKE3 key for credential fingerprints: the ASCII
// domain name zero-padded to 32 bytes.
var fingerprintKey = [32]byte{
	'b', 'o', 't', '-', 'd', 'e', 'p', 'l', 'o', 'y', 'e', 'r', '.',
	'c', 'r', 'e', 'd', 'e', 'n', 't', 'i', 'a', 'l',
}

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 16

// Fingerprint derives the deployment identifier for a credential. It is
// stable across runs and safe to use in file paths, docker object names and
// logs, none of which may carry the raw credential.
func Fingerprint(credential string) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("domain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(credential))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)[:fingerprintLen]
}

// MaskCredential returns a display form of a credential that keeps only the
// bot id prefix and the last four characters.
func MaskCredential(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	prefix := credential[:4]
	if i := strings.IndexByte(credential, ':'); i > 0 && i < len(credential)-8 {
		prefix = credential[:i]
	}
	return prefix + ":…" + credential[len(credential)-4:]
}
