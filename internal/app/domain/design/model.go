package design

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// FingerprintLength is the hex length of a sha256 content digest.
const FingerprintLength = 64

// Design is a catalog entry, content-addressed by Fingerprint.
type Design struct {
	ID          int64
	Fingerprint string
	Designer    string
	Price       asset.Asset
	Fee         asset.Asset
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeFingerprint lower-cases and validates a hex sha256 digest.
func NormalizeFingerprint(raw string) (string, error) {
	fp := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if len(fp) != FingerprintLength {
		return "", fmt.Errorf("fingerprint must be %d hex characters, got %d", FingerprintLength, len(fp))
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("fingerprint is not hex: %w", err)
	}
	return fp, nil
}
