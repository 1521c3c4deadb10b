package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Layout selects how the sorted parameters are laid out before hashing.
// Providers disagree on this, so it is configuration, not a constant.
type Layout int

const (
	// LayoutConcat joins key and value directly, pairs back to back.
	LayoutConcat Layout = iota
	// LayoutQuery joins key=value pairs with '&'.
	LayoutQuery
)

type Signer struct {
	secret    []byte
	layout    Layout
	uppercase bool
}

func NewSigner(secret string, layout Layout, uppercase bool) *Signer {
	return &Signer{
		secret:    []byte(secret),
		layout:    layout,
		uppercase: uppercase,
	}
}

// Sign canonicalizes params and returns the hex-encoded HMAC-SHA256 over the
// canonical string. Keys are sorted in ascending byte order; empty values are
// dropped before sorting so an absent field never contributes to the digest.
func (s *Signer) Sign(params map[string]string) string {
	filtered := Filter(params)

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		switch s.layout {
		case LayoutQuery:
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(filtered[k])
		default:
			b.WriteString(k)
			b.WriteString(filtered[k])
		}
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(b.String()))
	digest := hex.EncodeToString(mac.Sum(nil))

	if s.uppercase {
		return strings.ToUpper(digest)
	}
	return digest
}

// Verify recomputes the signature over params and compares it to the supplied
// one in constant time. Case differences in the hex encoding are ignored so a
// provider that uppercases on their side still verifies.
func (s *Signer) Verify(params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	expected := s.Sign(params)
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(signature)))
}

// Filter returns a copy of params without empty values. Callers assembling
// parameter sets from optional fields rely on this so that a missing field is
// excluded rather than signed as an empty or literal placeholder string.
func Filter(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
