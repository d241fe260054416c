package indexing

import (
	"errors"
	"net/http"
)

// Upstream status strings that mean the caller is over quota.
const (
	reasonResourceExhausted = "RESOURCE_EXHAUSTED"
	reasonRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// Classify maps a failed call to a failure category.
func Classify(err error) FailureCategory {
	if err == nil {
		return CategoryNone
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return CategoryUnknown
	}
	if callErr.Reason == reasonResourceExhausted || callErr.Reason == reasonRateLimitExceeded {
		return CategoryRateLimited
	}
	return ClassifyStatus(callErr.StatusCode)
}

// ClassifyStatus maps an HTTP status of a failed call to a failure category.
// Zero stands for "no response" (network error or timeout).
func ClassifyStatus(code int) FailureCategory {
	switch {
	case code == 0:
		return CategoryTransient
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	case code == http.StatusRequestTimeout:
		return CategoryTransient
	case code >= 500 && code < 600:
		return CategoryTransient
	case code >= 400 && code < 500:
		return CategoryPermanent
	default:
		return CategoryUnknown
	}
}
