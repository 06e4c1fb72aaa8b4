package auth

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"
)

const (
	totpIssuer      = "s3desk"
	backupCodeCount = 10
)

// TOTPSetup contains what the client needs to register an authenticator
type TOTPSetup struct {
	Secret string `json:"secret"`
	QRCode string `json:"qrCode"` // data URL of a 256px PNG
	URL    string `json:"url"`
}

// generateTOTPSecret creates a new TOTP key for account
func generateTOTPSecret(account string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.String(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	return &TOTPSetup{
		Secret: key.Secret(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		URL:    key.URL(),
	}, nil
}

// verifyTOTPCode allows a skew of one 30 second period either side
func verifyTOTPCode(secret, code string, at time.Time) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// generateBackupCodes returns plain codes (XXXX-XXXX) and their bcrypt hashes
func generateBackupCodes() (plain, hashed []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := base32.StdEncoding.EncodeToString(b)[:8]
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plain = append(plain, code[:4]+"-"+code[4:])
		hashed = append(hashed, string(hash))
	}
	return plain, hashed, nil
}

// isBackupCode checks the XXXX-XXXX shape
func isBackupCode(code string) bool {
	if len(code) != 9 || code[4] != '-' {
		return false
	}
	for i, ch := range code {
		if i == 4 {
			continue
		}
		if !((ch >= 'A' && ch <= 'Z') || (ch >= '2' && ch <= '7')) {
			return false
		}
	}
	return true
}

// consumeBackupCode returns the remaining hashes with the matching one
// removed, or ok=false when no hash matches.
func consumeBackupCode(code string, hashed []string) (remaining []string, ok bool) {
	plain := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(code)), "-", "")
	for i, hash := range hashed {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil {
			remaining = append(append([]string{}, hashed[:i]...), hashed[i+1:]...)
			return remaining, true
		}
	}
	return hashed, false
}
