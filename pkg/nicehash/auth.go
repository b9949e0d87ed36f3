package nicehash

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names used by the NiceHash private API.
const (
	HeaderTime           = "X-Time"
	HeaderNonce          = "X-Nonce"
	HeaderAuth           = "X-Auth"
	HeaderOrganizationID = "X-Organization-Id"
	HeaderRequestID      = "X-Request-Id"
	HeaderContentType    = "Content-Type"
)

// Credentials identify one NiceHash organization API key.
// They are immutable for the lifetime of a client and must never be logged.
type Credentials struct {
	OrganizationID string
	Key            string
	Secret         string
}

// String redacts the key material so Credentials are safe in %v output.
func (c Credentials) String() string {
	return "nicehash.Credentials{OrganizationID:" + c.OrganizationID + ", Key:<redacted>, Secret:<redacted>}"
}

// Valid reports whether all three credential fields are set.
func (c Credentials) Valid() bool {
	return c.OrganizationID != "" && c.Key != "" && c.Secret != ""
}

// SignedRequest holds everything that went into a request signature.
type SignedRequest struct {
	Method    string
	Path      string
	Query     string
	Body      []byte
	Time      int64 // epoch milliseconds
	Nonce     string
	RequestID string
	Digest    string
}

// AuthHeader returns the X-Auth header value for the request.
func (r SignedRequest) AuthHeader(key string) string {
	return key + ":" + r.Digest
}

// Signer builds HMAC-SHA256 signatures for API requests.
type Signer struct {
	creds     Credentials
	now       func() time.Time
	nonce     func() string
	requestID func() string
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock overrides the wall clock used for X-Time.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// WithNonceSource overrides the nonce generator.
func WithNonceSource(nonce func() string) SignerOption {
	return func(s *Signer) {
		s.nonce = nonce
	}
}

// WithRequestIDSource overrides the X-Request-Id generator.
func WithRequestIDSource(id func() string) SignerOption {
	return func(s *Signer) {
		s.requestID = id
	}
}

// NewSigner creates a signer for the given credentials.
func NewSigner(creds Credentials, opts ...SignerOption) *Signer {
	s := &Signer{
		creds:     creds,
		now:       time.Now,
		nonce:     uuid.NewString,
		requestID: uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Credentials returns the signer's credentials.
func (s *Signer) Credentials() Credentials {
	return s.creds
}

// Sign signs a request using the current time and a fresh nonce.
// query must be the exact string sent on the wire; body must be the exact
// bytes sent, or nil when the request has no body.
func (s *Signer) Sign(method, path, query string, body []byte) SignedRequest {
	req := s.SignAt(method, path, query, body, s.now().UnixMilli(), s.nonce())
	req.RequestID = s.requestID()
	return req
}

// SignAt is the deterministic core of Sign.
func (s *Signer) SignAt(method, path, query string, body []byte, timeMillis int64, nonce string) SignedRequest {
	xtime := strconv.FormatInt(timeMillis, 10)
	message := canonicalMessage(s.creds, method, path, query, body, xtime, nonce)

	mac := hmac.New(sha256.New, []byte(s.creds.Secret))
	mac.Write(message)

	return SignedRequest{
		Method: method,
		Path:   path,
		Query:  query,
		Body:   body,
		Time:   timeMillis,
		Nonce:  nonce,
		Digest: hex.EncodeToString(mac.Sum(nil)),
	}
}

// Apply writes the authentication headers for req onto h.
func (s *Signer) Apply(h http.Header, req SignedRequest) {
	h.Set(HeaderTime, strconv.FormatInt(req.Time, 10))
	h.Set(HeaderNonce, req.Nonce)
	h.Set(HeaderAuth, req.AuthHeader(s.creds.Key))
	h.Set(HeaderOrganizationID, s.creds.OrganizationID)
	h.Set(HeaderRequestID, req.RequestID)
	h.Set(HeaderContentType, "application/json")
}

// canonicalMessage joins the signed fields with single NUL bytes:
// key, time, nonce, "", org id, "", method, path, query [, body].
func canonicalMessage(creds Credentials, method, path, query string, body []byte, xtime, nonce string) []byte {
	fields := [][]byte{
		[]byte(creds.Key),
		[]byte(xtime),
		[]byte(nonce),
		nil,
		[]byte(creds.OrganizationID),
		nil,
		[]byte(method),
		[]byte(path),
		[]byte(query),
	}
	if len(body) > 0 {
		fields = append(fields, body)
	}
	return bytes.Join(fields, []byte{0})
}
