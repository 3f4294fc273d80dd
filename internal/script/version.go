package script

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// DomainHandler prefixes handler fingerprints.
// Version suffix enables future algorithm migration.
const DomainHandler = "cdcrun/handler/v1"

// IdentifyVersion returns a deterministic fingerprint of handler source.
//
// Source is NFC-normalized first, so a redeploy that only changes the
// Unicode normalization form of the text is not treated as a new version.
// Format: hex(SHA256(domain + 0x00 + nfc(source)))
func IdentifyVersion(source string) string {
	return hashWithDomain(DomainHandler, []byte(norm.NFC.String(source)))
}

// hashWithDomain computes SHA-256 hash with domain separation.
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
