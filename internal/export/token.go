package export

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTokenTTL = 5 * time.Minute

var (
	errTokenMissing = errors.New("missing download token")
	errTokenInvalid = errors.New("invalid download token")
	errTokenExpired = errors.New("download token expired")
)

// downloadSigner issues tokens of the form base64url(expiry) "." base64url(hmac(job, expiry)).
// The secret lives only in memory, so links die with the process.
type downloadSigner struct {
	secret []byte
	ttl    time.Duration
}

func newDownloadSigner(ttl time.Duration) *downloadSigner {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		id := uuid.New()
		secret = id[:]
	}
	return &downloadSigner{secret: secret, ttl: ttl}
}

func (s *downloadSigner) Sign(jobID uuid.UUID, now time.Time) string {
	expiry := make([]byte, 8)
	binary.BigEndian.PutUint64(expiry, uint64(now.Add(s.ttl).Unix()))
	enc := base64.RawURLEncoding
	return enc.EncodeToString(expiry) + "." + enc.EncodeToString(s.mac(jobID, expiry))
}

func (s *downloadSigner) Verify(jobID uuid.UUID, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errTokenMissing
	}
	rawExpiry, rawMAC, ok := strings.Cut(token, ".")
	if !ok {
		return errTokenInvalid
	}
	expiry, err := base64.RawURLEncoding.DecodeString(rawExpiry)
	if err != nil || len(expiry) != 8 {
		return errTokenInvalid
	}
	provided, err := base64.RawURLEncoding.DecodeString(rawMAC)
	if err != nil || !hmac.Equal(provided, s.mac(jobID, expiry)) {
		return errTokenInvalid
	}
	if expires := int64(binary.BigEndian.Uint64(expiry)); now.Unix() > expires {
		return fmt.Errorf("%w at %s", errTokenExpired, time.Unix(expires, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *downloadSigner) mac(jobID uuid.UUID, expiry []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(jobID[:])
	h.Write(expiry)
	return h.Sum(nil)
}
