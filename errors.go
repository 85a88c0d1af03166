package kvguard

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnectionTimeout is returned when the connection did not become ready within
	// the connect bound. Retryable.
	ErrConnectionTimeout = errors.New("kvguard: connection not ready before timeout")

	// ErrCircuitOpen is returned by the breaker without contacting the store.
	ErrCircuitOpen = errors.New("kvguard: circuit breaker is open")
)

// FaultKind is the error taxonomy used for connection-level decisions.
type FaultKind int

const (
	// FaultTransient covers resets, timeouts and everything unclassified; redial is allowed.
	FaultTransient FaultKind = iota
	// FaultResourceExhausted is a store-side client/connection limit; back off.
	FaultResourceExhausted
	// FaultConfiguration is a transport/security or credential mismatch; not retryable.
	FaultConfiguration
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultResourceExhausted:
		return "resource_exhaustion"
	case FaultConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// FaultError is a classified connection fault. RetryAfter is the end of the redial
// hold, zero when the next call may redial immediately.
type FaultError struct {
	Kind       FaultKind
	Err        error
	RetryAfter time.Time
}

func (e *FaultError) Error() string {
	if e.RetryAfter.IsZero() {
		return fmt.Sprintf("kvguard: %s fault: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("kvguard: %s fault: %v (redial held until %s)",
		e.Kind, e.Err, e.RetryAfter.Format(time.RFC3339))
}

func (e *FaultError) Unwrap() error { return e.Err }

// substrings are matched against the lowercased error text
var (
	exhaustionMarkers = []string{
		"max number of clients reached",
		"max clients reached",
	}
	configurationMarkers = []string{
		"first record does not look like a tls handshake",
		"wrongpass",
		"noauth",
		"invalid username-password pair",
		"invalid password",
		"redis: invalid reply",
		"tls: ",
		"x509: ",
	}
)

// Classify maps an error onto the fault taxonomy.
func Classify(err error) FaultKind {
	if err == nil {
		return FaultTransient
	}

	var fe *FaultError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	var (
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		certErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &certErr):
		return FaultConfiguration
	}

	msg := strings.ToLower(err.Error())
	for _, m := range exhaustionMarkers {
		if strings.Contains(msg, m) {
			return FaultResourceExhausted
		}
	}
	for _, m := range configurationMarkers {
		if strings.Contains(msg, m) {
			return FaultConfiguration
		}
	}
	return FaultTransient
}

// IsFatal reports whether err must tear the connection down and hold redial.
func IsFatal(err error) bool { return Classify(err) != FaultTransient }

func IsConfigurationError(err error) bool { return Classify(err) == FaultConfiguration }

func IsResourceExhausted(err error) bool { return Classify(err) == FaultResourceExhausted }
