package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	gofed "github.com/go-fed/httpsig"
)

// CavageHeaders is the header set fedigo signs under draft-cavage-12 for a
// POST request, matching the teacher's DeliverActivity
// (internal/ap/client.go): "(request-target)" plus host/date/digest.
var CavageHeaders = []string{gofed.RequestTarget, "host", "date", "digest"}

// CavageGetHeaders is the header set used for signed GETs (no body, so no
// digest), used by the signed-fetch engine (spec.md §4.C5, actor lookups).
var CavageGetHeaders = []string{gofed.RequestTarget, "host", "date"}

// SignCavage signs req under draft-cavage-http-signatures-12, adding Date
// and Signature headers (and, when body is non-empty, Digest). RSA keys are
// signed via the teacher's own dependency, github.com/go-fed/httpsig,
// exactly as DeliverActivity (internal/ap/client.go) does; Ed25519 keys —
// the suite's other spec-mandated algorithm, not demonstrated anywhere in
// the pack for this library — are signed by a small hand-rolled canonical
// builder using the same "(request-target)"-prefixed base go-fed computes
// internally, since no pack example exercises go-fed's non-RSA algorithm
// support to ground a guess at its API.
func SignCavage(req *http.Request, body []byte, key crypto.PrivateKey, keyID string, headers []string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if len(body) > 0 && containsStr(headers, "digest") {
		req.Header.Set("Digest", DigestHeader(body))
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		signer, _, err := gofed.NewSigner(
			[]gofed.Algorithm{gofed.RSA_SHA256},
			gofed.DigestSha256,
			headers,
			gofed.Signature,
			0,
		)
		if err != nil {
			return newErr(ErrBadAlgorithm, "%v", err)
		}
		if err := signer.SignRequest(k, keyID, req, body); err != nil {
			return newErr(ErrVerifyFailed, "sign: %v", err)
		}
		return nil
	case ed25519.PrivateKey:
		base := cavageBase(req, headers)
		sig := ed25519.Sign(k, []byte(base))
		req.Header.Set("Signature", fmt.Sprintf(
			`keyId="%s",algorithm="hs2019",headers="%s",signature="%s"`,
			keyID, strings.Join(headers, " "), b64(sig)))
		return nil
	default:
		return newErr(ErrBadAlgorithm, "unsupported private key type %T", key)
	}
}

// cavageBase builds the draft-cavage-12 canonical signing string: one
// "\n"-joined line per header, "(request-target)" rendered as
// "<method-lower> <path-and-query>".
func cavageBase(req *http.Request, headers []string) string {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		if h == gofed.RequestTarget {
			target := strings.ToLower(req.Method) + " " + req.URL.Path
			if req.URL.RawQuery != "" {
				target += "?" + req.URL.RawQuery
			}
			lines = append(lines, "(request-target): "+target)
			continue
		}
		lines = append(lines, strings.ToLower(h)+": "+req.Header.Get(h))
	}
	return strings.Join(lines, "\n")
}

type cavageSigParams struct {
	KeyID   string
	Headers []string
	Sig     []byte
}

var cavageKVRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseCavageSignature(header string) (*cavageSigParams, error) {
	out := &cavageSigParams{}
	for _, m := range cavageKVRe.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "keyId":
			out.KeyID = m[2]
		case "headers":
			out.Headers = strings.Fields(m[2])
		case "signature":
			sig, err := b64decode(m[2])
			if err != nil {
				return nil, newErr(ErrMissingHeader, "bad signature encoding: %v", err)
			}
			out.Sig = sig
		}
	}
	if out.KeyID == "" || out.Sig == nil {
		return nil, newErr(ErrMissingHeader, "malformed Signature header: %q", header)
	}
	if len(out.Headers) == 0 {
		out.Headers = []string{"date"}
	}
	return out, nil
}

// CavageKeyID extracts the keyId from a draft-cavage Signature header
// without performing verification, so callers can resolve the key first.
func CavageKeyID(req *http.Request) (string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return "", newErr(ErrMissingHeader, "missing Signature header")
	}
	p, err := parseCavageSignature(header)
	if err != nil {
		return "", err
	}
	return p.KeyID, nil
}

// VerifyCavage verifies req's draft-cavage Signature header against pub.
// It generalizes the teacher's VerifySignature (internal/ap/client.go),
// separating key resolution (done by the caller via KeyCache) from the
// cryptographic check so the same function serves both RSA and Ed25519
// keys, matching the two algorithms spec.md §4.C5/§6 allows.
func VerifyCavage(req *http.Request, pub crypto.PublicKey) error {
	header := req.Header.Get("Signature")
	if header == "" {
		return newErr(ErrMissingHeader, "missing Signature header")
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		verifier, err := gofed.NewVerifier(req)
		if err != nil {
			return newErr(ErrMissingHeader, "%v", err)
		}
		if err := verifier.Verify(k, gofed.RSA_SHA256); err != nil {
			return newErr(ErrVerifyFailed, "%v", err)
		}
		return nil
	case ed25519.PublicKey:
		p, err := parseCavageSignature(header)
		if err != nil {
			return err
		}
		base := cavageBase(req, p.Headers)
		if !ed25519.Verify(k, []byte(base), p.Sig) {
			return newErr(ErrVerifyFailed, "ed25519 verification failed")
		}
		return nil
	default:
		return newErr(ErrBadAlgorithm, "unsupported key type %T", pub)
	}
}
