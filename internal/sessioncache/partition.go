package sessioncache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
)

// Derived identities start with "~", which safeSession never matches, so
// no cookie value can name the anonymous bucket or another value's hash.
const (
	AnonymousSession   = "~anonymous"
	partitionSeparator = "::"
)

var (
	safeSession    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	derivedSession = regexp.MustCompile(`^~[0-9a-f]{32}$`)
)

// PartitionName is "<generation>::<session>".
func PartitionName(generation, session string) string {
	return generation + partitionSeparator + NormalizeSession(session)
}

func ParsePartition(name string) (generation, session string, ok bool) {
	generation, session, ok = strings.Cut(name, partitionSeparator)
	if !ok || generation == "" || session == "" {
		return "", "", false
	}
	return generation, session, true
}

// SessionIdentity maps a raw session cookie value to a partition-safe
// identity. Values outside [A-Za-z0-9_-] are hashed; an empty value is the
// anonymous bucket.
func SessionIdentity(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AnonymousSession
	}
	if safeSession.MatchString(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return "~" + hex.EncodeToString(sum[:16])
}

// NormalizeSession is SessionIdentity that leaves an identity it already
// produced unchanged.
func NormalizeSession(session string) string {
	session = strings.TrimSpace(session)
	if session == AnonymousSession || derivedSession.MatchString(session) {
		return session
	}
	return SessionIdentity(session)
}

func SessionFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return AnonymousSession
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return AnonymousSession
	}
	return SessionIdentity(cookie.Value)
}

// SessionFromCookieHeader resolves the session from a raw Cookie header
// value.
func SessionFromCookieHeader(header, cookieName string) string {
	if strings.TrimSpace(header) == "" {
		return AnonymousSession
	}
	r := &http.Request{Header: http.Header{"Cookie": []string{header}}}
	return SessionFromRequest(r, cookieName)
}
