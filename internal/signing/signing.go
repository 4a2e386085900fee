// Package signing creates and checks HMAC signatures for time-limited
// export download links.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer generates and validates HMAC-SHA256 signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature over the file id, the page selection the
// result came from, the export format and the expiry.
func (s *Signer) Sign(fileID, selection, format string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	// Selection is "all" or a page number, so ':' cannot appear inside it.
	fmt.Fprintf(mac, "%s:%s:%s:%d", fileID, selection, format, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether signature matches. It does not check expiry.
func (s *Signer) Validate(fileID, selection, format, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(fileID, selection, format, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Expired reports whether the unix expiry has passed.
func (s *Signer) Expired(expiresUnix int64) bool {
	return time.Unix(expiresUnix, 0).Before(s.now())
}

// DownloadURL builds base?file=&page=&format=&expires=&signature= valid
// for ttl.
func (s *Signer) DownloadURL(base, fileID, selection, format string, ttl time.Duration) (string, time.Time) {
	expiry := s.now().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("file", fileID)
	q.Set("page", selection)
	q.Set("format", format)
	q.Set("expires", strconv.FormatInt(expiry.Unix(), 10))
	q.Set("signature", s.Sign(fileID, selection, format, expiry.Unix()))
	return base + "?" + q.Encode(), expiry
}
