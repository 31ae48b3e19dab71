package main

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the bot can report.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Normalizer
	KindMalformedEvent
	KindMissingField
	KindPriceFormat
	KindUnknownVendor

	// Indirect resolver
	KindVendorResolution

	// Vendor configuration
	KindConfiguration

	// Automation session
	KindNavigation
	KindUnknownStatus
	KindOutage
	KindCaptcha
	KindAddCartVerification
	KindAddCart
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "Unknown",
	KindMalformedEvent:      "MalformedEventError",
	KindMissingField:        "MissingFieldError",
	KindPriceFormat:         "PriceFormatError",
	KindUnknownVendor:       "UnknownVendorError",
	KindVendorResolution:    "VendorResolutionError",
	KindConfiguration:       "ConfigurationError",
	KindNavigation:          "NavigationError",
	KindUnknownStatus:       "UnknownStatusError",
	KindOutage:              "OutageError",
	KindCaptcha:             "CaptchaError",
	KindAddCartVerification: "AddCartVerificationError",
	KindAddCart:             "AddCartError",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String. Both the full name
// ("OutageError") and the short form ("outage") are accepted.
func ParseErrorKind(s string) (ErrorKind, bool) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		lower := strings.ToLower(name)
		if want == lower || want == strings.TrimSuffix(lower, "error") {
			return k, true
		}
	}
	return KindUnknown, false
}

// Error is the single error type carried through the pipeline. Context
// fields are optional and filled in by whichever layer knows them.
type Error struct {
	Kind      ErrorKind
	Msg       string
	ProductID string
	Vendor    string
	URL       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Vendor != "" {
		fmt.Fprintf(&b, " [vendor=%s]", e.Vendor)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " [url=%s]", e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind only, so callers can write
// errors.Is(err, &Error{Kind: KindOutage}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// errorMessage is err's text without the kind prefix or product context
// when err is an *Error, so it can sit next to a separate kind field.
func errorMessage(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// withProduct returns a copy of e carrying the product context.
func (e *Error) withProduct(rec ProductRecord) *Error {
	cp := *e
	if cp.ProductID == "" {
		cp.ProductID = rec.ID
	}
	if cp.Vendor == "" {
		cp.Vendor = rec.Vendor
	}
	if cp.URL == "" {
		cp.URL = rec.URL
	}
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// isNetworkError checks if an error looks like a transient network/timeout error
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "net::ERR_") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host")
}
