package httpsig

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// VerifyOptions configures Verify.
type VerifyOptions struct {
	// Window bounds how far the signature's Date/created may drift from
	// Now. Zero uses the spec's default of one hour. Negative disables
	// the check entirely.
	Window time.Duration
	// Now overrides time.Now, for deterministic tests.
	Now func() time.Time
}

const defaultWindow = time.Hour

// Verify runs the §4.C5 verification pipeline against req's body, detecting
// the suite from which headers are present (RFC 9421 is tried first if
// both Signature-Input and a draft-cavage "headers=" Signature are
// somehow present, which should not happen in practice) and returning the
// resolved Key or a *SignatureError.
func Verify(req *http.Request, body []byte, cache KeyCache, opts VerifyOptions) (*Key, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	window := opts.Window
	if window == 0 {
		window = defaultWindow
	}

	if req.Header.Get("Signature-Input") != "" {
		return verifyRFC9421(req, body, cache, window, now)
	}
	if req.Header.Get("Signature") != "" {
		return verifyCavage(req, body, cache, window, now)
	}
	return nil, newErr(ErrMissingHeader, "no Signature or Signature-Input header present")
}

func verifyCavage(req *http.Request, body []byte, cache KeyCache, window time.Duration, now func() time.Time) (*Key, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return nil, newErr(ErrMissingHeader, "missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return nil, newErr(ErrMissingHeader, "invalid Date header %q: %v", dateStr, err)
	}
	if window > 0 {
		if skew := now().Sub(reqTime); skew > window || skew < -window {
			return nil, newErr(ErrWindowViolated, "Date header skew %v exceeds window %v", skew, window)
		}
	}

	keyID, err := CavageKeyID(req)
	if err != nil {
		return nil, err
	}
	key, err := cache.Get(req.Context(), keyID)
	if err != nil {
		return nil, newErr(ErrVerifyFailed, "resolve key %q: %v", keyID, err)
	}

	if err := VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return nil, err
	}
	if err := VerifyCavage(req, key.Public); err != nil {
		return nil, err
	}
	return key, nil
}

func verifyRFC9421(req *http.Request, body []byte, cache KeyCache, window time.Duration, now func() time.Time) (*Key, error) {
	sigInput := req.Header.Get("Signature-Input")
	parsed, err := ParseSignatureInput(sigInput)
	if err != nil {
		return nil, err
	}
	if window > 0 && parsed.Created != 0 {
		created := time.Unix(parsed.Created, 0)
		if skew := now().Sub(created); skew > window || skew < -window {
			return nil, newErr(ErrWindowViolated, "created skew %v exceeds window %v", skew, window)
		}
	}
	if parsed.KeyID == "" {
		return nil, newErr(ErrMissingHeader, "Signature-Input missing keyid")
	}
	key, err := cache.Get(req.Context(), parsed.KeyID)
	if err != nil {
		return nil, newErr(ErrVerifyFailed, "resolve key %q: %v", parsed.KeyID, err)
	}

	if err := VerifyContentDigest(body, req.Header.Get("Content-Digest")); err != nil {
		return nil, err
	}
	if _, err := VerifyRFC9421(req, key.Public); err != nil {
		return nil, err
	}
	return key, nil
}

// ReadAndRestoreBody reads req.Body fully and replaces it with a fresh
// reader over the same bytes, so digest verification can consume the body
// without denying it to the activity-parsing step that follows.
func ReadAndRestoreBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
