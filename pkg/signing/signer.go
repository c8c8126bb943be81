// Package signing implements deterministic request signing for marketplace
// providers that require HMAC request signatures. The signature is derived
// from a canonical request through a fixed key chain
// (date -> region -> service -> signing key -> signature).
//
// Sign is a pure function of its inputs: the caller supplies the timestamp,
// so identical inputs always produce byte-identical output.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// Algorithm is the signature algorithm identifier placed in the
	// Authorization header.
	Algorithm = "NOVA1-HMAC-SHA256"

	// terminator closes the credential scope and the key derivation chain.
	terminator = "nova1_request"

	// HeaderContentHash carries the hex-encoded SHA-256 of the payload.
	HeaderContentHash = "x-nova-content-sha256"

	// HeaderTimestamp carries the request timestamp in compact ISO-8601.
	HeaderTimestamp = "x-nova-date"

	// timestampLayout is the compact ISO-8601 form used in signatures.
	timestampLayout = "20060102T150405Z"

	// dateLayout is the date-only scope component.
	dateLayout = "20060102"
)

// Signer signs requests for one provider region/service pair.
type Signer struct {
	Region  string
	Service string
}

// NewSigner creates a signer scoped to the given region and service.
func NewSigner(region, service string) *Signer {
	return &Signer{Region: region, Service: service}
}

// Request is the subset of an outbound request that participates in signing.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// SignedRequest is the signing output: the headers to attach to the outbound
// request, including the Authorization header.
type SignedRequest struct {
	Authorization string
	ContentHash   string
	Timestamp     string

	// SignedHeaders lists the lower-cased header names covered by the
	// signature, semicolon separated.
	SignedHeaders string
}

// Sign canonicalizes the request and derives its signature using the given
// client credentials at the given timestamp.
func (s *Signer) Sign(req Request, clientID, clientSecret string, now time.Time) SignedRequest {
	ts := now.UTC().Format(timestampLayout)
	date := now.UTC().Format(dateLayout)

	payloadHash := hashHex(req.Body)

	// Headers covered by the signature: everything the caller supplied plus
	// the timestamp and content hash headers the signer attaches itself.
	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	headers[HeaderTimestamp] = ts
	headers[HeaderContentHash] = payloadHash

	signedHeaders := canonicalHeaderNames(headers)

	canonical := strings.Join([]string{
		strings.ToUpper(req.Method),
		canonicalPath(req.Path),
		canonicalQuery(req.Query),
		canonicalHeaders(headers),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{date, s.Region, s.Service, terminator}, "/")

	stringToSign := strings.Join([]string{
		Algorithm,
		ts,
		scope,
		hashHex([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(s.deriveKeyAndSign(clientSecret, date, stringToSign))

	auth := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, clientID, scope, signedHeaders, signature)

	return SignedRequest{
		Authorization: auth,
		ContentHash:   payloadHash,
		Timestamp:     ts,
		SignedHeaders: signedHeaders,
	}
}

// deriveKeyAndSign walks the key chain and signs the string-to-sign.
func (s *Signer) deriveKeyAndSign(secret, date, stringToSign string) []byte {
	kDate := hmacSHA256([]byte("NOVA1"+secret), date)
	kRegion := hmacSHA256(kDate, s.Region)
	kService := hmacSHA256(kRegion, s.Service)
	kSigning := hmacSHA256(kService, terminator)
	return hmacSHA256(kSigning, stringToSign)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalPath normalizes the request path. An empty path signs as "/".
func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// canonicalQuery sorts query parameters by key, then value, and encodes them.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// canonicalHeaders renders "name:value\n" lines sorted by lower-cased name.
func canonicalHeaders(headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(headers[name])
		b.WriteString("\n")
	}
	return b.String()
}

// canonicalHeaderNames returns the sorted, semicolon-joined header names.
func canonicalHeaderNames(headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ";")
}
