// Package httpsig implements the two HTTP-signature suites fedigo secures
// federation traffic with: draft-cavage-http-signatures-12 (wrapping the
// teacher's github.com/go-fed/httpsig dependency, internal/ap/client.go's
// DeliverActivity/VerifySignature) and RFC 9421 HTTP Message Signatures
// (hand-rolled; no pack example implements it — see DESIGN.md), plus the
// double-knocking negotiation between them.
package httpsig

import "fmt"

// Suite identifies which signature suite a request was signed/verified under.
type Suite string

const (
	SuiteCavage  Suite = "cavage"
	SuiteRFC9421 Suite = "rfc9421"
)

// ErrorKind is one of the httpsig-flavored error kinds from spec.md §7.
type ErrorKind string

const (
	ErrMissingHeader  ErrorKind = "missing-header"
	ErrBadAlgorithm   ErrorKind = "bad-algorithm"
	ErrVerifyFailed   ErrorKind = "verify-failed"
	ErrWindowViolated ErrorKind = "window-violated"
	ErrDigestMismatch ErrorKind = "digest-mismatch"
)

// SignatureError is the typed error the verification pipeline returns for
// every failure mode spec.md §4.C5/§7 names, satisfying errors.As.
type SignatureError struct {
	Kind    ErrorKind
	Message string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("httpsig: %s: %s", e.Kind, e.Message)
}

func newErr(kind ErrorKind, format string, args ...interface{}) *SignatureError {
	return &SignatureError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
