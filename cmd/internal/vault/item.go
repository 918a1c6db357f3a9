// Package vault stores TOTP secrets encrypted under each user's data key and
// produces live codes from them.
package vault

import (
	"encoding/base32"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"otpvault/cmd/identity"
)

// CodeUnreadable replaces the code of an item whose secret cannot be decrypted.
const CodeUnreadable = "unreadable"

const (
	maxAccountLen = 32
	maxIssuerLen  = 32
)

var secretRe = regexp.MustCompile(`^[A-Z2-7]{16,}={0,6}$`)

var rawBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Params are the RFC 6238 generation parameters of an item.
type Params struct {
	Algorithm string
	Digits    int
	Period    int
}

// DefaultParams is SHA1, 6 digits, 30 seconds.
func DefaultParams() Params { return Params{Algorithm: "SHA1", Digits: 6, Period: 30} }

// Item is a stored TOTP secret. EncryptedSecret is sealed under the DEK of
// the user the row is read for: the owner, or the recipient of a share.
type Item struct {
	ID              string
	OwnerID         string
	Account         string
	Issuer          string
	EncryptedSecret string
	Params
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Share grants a recipient its own copy of an item's secret.
type Share struct {
	ItemID          string
	UserID          string
	EncryptedSecret string
	CreatedAt       time.Time
}

// NewItem is the input to Service.Create.
type NewItem struct {
	Account string
	Issuer  string
	Secret  string
	Params  Params
}

// Entry is one row of a listing.
type Entry struct {
	Item
	Shared    bool
	Code      string
	Remaining int
}

// Readable reports whether the entry's secret could be decrypted.
func (e Entry) Readable() bool { return e.Code != CodeUnreadable }

// NormalizeSecret upper-cases s and removes whitespace.
func NormalizeSecret(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func (in NewItem) normalize(op string) (NewItem, error) {
	in.Account = strings.TrimSpace(in.Account)
	in.Issuer = strings.TrimSpace(in.Issuer)
	in.Secret = NormalizeSecret(in.Secret)

	switch {
	case in.Account == "":
		return in, invalid(op, "account", "account is required")
	case utf8.RuneCountInString(in.Account) > maxAccountLen:
		return in, invalid(op, "account", "account is too long")
	case utf8.RuneCountInString(in.Issuer) > maxIssuerLen:
		return in, invalid(op, "issuer", "issuer is too long")
	case !secretRe.MatchString(in.Secret):
		return in, invalid(op, "secret", "secret must be at least 16 base32 characters (A-Z, 2-7)")
	}
	in.Secret = strings.TrimRight(in.Secret, "=")
	if _, err := rawBase32.DecodeString(in.Secret); err != nil {
		return in, invalid(op, "secret", "secret is not valid base32")
	}

	p := in.Params
	if p.Algorithm == "" {
		p.Algorithm = "SHA1"
	}
	p.Algorithm = strings.ToUpper(p.Algorithm)
	if p.Digits == 0 {
		p.Digits = 6
	}
	if p.Period == 0 {
		p.Period = 30
	}
	if _, ok := algorithms[p.Algorithm]; !ok {
		return in, invalid(op, "algorithm", "algorithm must be SHA1, SHA256 or SHA512")
	}
	if p.Digits != 6 && p.Digits != 8 {
		return in, invalid(op, "digits", "digits must be 6 or 8")
	}
	if p.Period < 15 || p.Period > 120 {
		return in, invalid(op, "period", "period must be between 15 and 120 seconds")
	}
	in.Params = p
	return in, nil
}

var algorithms = map[string]otp.Algorithm{
	"SHA1":   otp.AlgorithmSHA1,
	"SHA256": otp.AlgorithmSHA256,
	"SHA512": otp.AlgorithmSHA512,
}

// GenerateCode returns the code for secret at now and the seconds left in
// the current period.
func GenerateCode(secret string, p Params, now time.Time) (string, int, error) {
	if p.Period <= 0 {
		p = DefaultParams()
	}
	alg, ok := algorithms[p.Algorithm]
	if !ok {
		alg = otp.AlgorithmSHA1
	}
	code, err := totp.GenerateCodeCustom(secret, now, totp.ValidateOpts{
		Period:    uint(p.Period),
		Digits:    otp.Digits(p.Digits),
		Algorithm: alg,
	})
	if err != nil {
		return "", 0, err
	}
	period := int64(p.Period)
	return code, int(period - now.Unix()%period), nil
}

func invalid(op, field, reason string) error {
	return identity.ValidationError{Op: op, Field: field, Reason: reason}
}
