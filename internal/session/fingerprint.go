package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"idplane.org/internal/geo"
)

// Fingerprint derives a stable device identifier from the raw user agent and
// the parsed device. Two logins from the same browser on the same machine
// produce the same fingerprint; anything else counts as a new device.
func Fingerprint(userAgent string, dev geo.Device) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userAgent)))
	h.Write([]byte{'|'})
	h.Write([]byte(dev.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(dev.Name))
	return hex.EncodeToString(h.Sum(nil))
}
