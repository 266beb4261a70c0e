package kiro

import (
	"crypto/sha256"
	"encoding/hex"
)

// MachineID derives a stable per-account machine identifier for the Kiro
// user-agent headers. The upstream only requires that the value is constant
// across requests from the same "installation", so it is hashed from the
// most stable credential field available.
func MachineID(creds *Credentials) string {
	fingerprint := creds.RefreshToken
	if fingerprint == "" {
		fingerprint = creds.ClientID
	}
	if fingerprint == "" {
		fingerprint = creds.Email
	}
	if fingerprint == "" {
		fingerprint = "kiro-default-machine"
	}

	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
