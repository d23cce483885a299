// Package gwerr defines the gateway's typed error sum type. Every failure
// path in the admission pipeline resolves to exactly one Kind, which maps
// to exactly one HTTP status (spec §7).
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error cases named in spec §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedRequest
	KindUnauthorized
	KindTokenExpired
	KindPaymentChallengeIssued
	KindPaymentInvalid
	KindRateLimited
	KindCapacityExceeded
	KindCapacityCheckFailed
	KindCoalescerTimeout
	KindFacilitatorTransport
	KindDependencyUnavailable
	KindInternal
)

var statusByKind = map[Kind]int{
	KindMalformedRequest:       http.StatusBadRequest,
	KindUnauthorized:           http.StatusForbidden,
	KindTokenExpired:           http.StatusGone,
	KindPaymentChallengeIssued: http.StatusPaymentRequired,
	KindPaymentInvalid:         http.StatusPaymentRequired,
	KindRateLimited:            http.StatusTooManyRequests,
	KindCapacityExceeded:       http.StatusTooManyRequests,
	KindCapacityCheckFailed:    http.StatusServiceUnavailable,
	KindCoalescerTimeout:       http.StatusServiceUnavailable,
	KindFacilitatorTransport:   http.StatusInternalServerError,
	KindDependencyUnavailable:  http.StatusServiceUnavailable,
	KindInternal:               http.StatusInternalServerError,
}

// Error is the gateway's sum-type error. Reason carries a facilitator
// sub-reason verbatim (mempool_capacity_exceeded, chain_query_failed,
// signature_invalid, nonce_used, CAPACITY_EXCEEDED, ...); Fields carries
// any extra values the HTTP layer should fold into the JSON body.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Fields  map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status this Kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithReason(kind Kind, message, reason string) *Error {
	return &Error{Kind: kind, Message: message, Reason: reason}
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
