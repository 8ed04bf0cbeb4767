// Package doherr defines the exhaustive error taxonomy shared by every
// component of the forwarder, so callers can branch on failure kind with
// errors.As instead of string matching.
package doherr

import (
	"errors"
	"fmt"
	"net"
)

// Kind identifies the category of a forwarder error.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindH2
	KindDecode
	KindEncode
	KindTLS
	KindHTTPProxy
	KindSocks
	KindNotConnected
	KindPEMParser
	KindCacheSize
	KindCouldNotConnect
	KindCouldNotConnectServer
	KindCouldNotGetResponse
	KindHeaderStatus
	KindHeaderContentType
	KindHeaderNoContentType
	KindDNSNotRequest
	KindDNSNotResponse
	KindAddrParse
	KindProxyScheme
	KindProxyCredentials
	KindUnknownHostPort
	KindUnknownPort
	KindTrySend
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindIO:                    "io",
	KindH2:                    "h2",
	KindDecode:                "decode",
	KindEncode:                "encode",
	KindTLS:                   "tls",
	KindHTTPProxy:             "http proxy",
	KindSocks:                 "socks",
	KindNotConnected:          "not connected",
	KindPEMParser:             "pem parser",
	KindCacheSize:             "cache size",
	KindCouldNotConnect:       "could not connect",
	KindCouldNotConnectServer: "could not connect to server",
	KindCouldNotGetResponse:   "could not get response",
	KindHeaderStatus:          "header status",
	KindHeaderContentType:     "header content type",
	KindHeaderNoContentType:   "header missing content type",
	KindDNSNotRequest:         "dns message is not a request",
	KindDNSNotResponse:        "dns message is not a response",
	KindAddrParse:             "address parse",
	KindProxyScheme:           "proxy scheme",
	KindProxyCredentials:      "proxy credentials",
	KindUnknownHostPort:       "unknown host:port",
	KindUnknownPort:           "unknown port",
	KindTrySend:               "try send",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a forwarder error tagged with a Kind and an optional wrapped
// cause and payload used by callers that need more than the Kind, such as
// the host/port of a failed connection attempt.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same Kind, so errors.Is(err,
// doherr.New(doherr.KindIO, "")) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// CouldNotConnect reports the exhaustion of every connection attempt to a
// specific host:port.
func CouldNotConnect(host string, port uint16, cause error) *Error {
	return &Error{
		Kind:    KindCouldNotConnect,
		Message: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Cause:   cause,
	}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and
// KindUnknown otherwise.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
