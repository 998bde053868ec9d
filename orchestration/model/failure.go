package model

import "strings"

// FailureType classifies why a step failed.
type FailureType string

const (
	FailureApplication          FailureType = "APPLICATION"
	FailureConnectivity         FailureType = "CONNECTIVITY"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureAuthentication       FailureType = "AUTHENTICATION"
	FailureTimeout              FailureType = "TIMEOUT"
	FailureVerification         FailureType = "VERIFICATION"
	FailureUnknown              FailureType = "UNKNOWN"
)

// FailureInfo describes a step failure.
type FailureInfo struct {
	Message string        `json:"message"`
	Types   []FailureType `json:"types,omitempty"`
	Code    string        `json:"code,omitempty"`
}

// Error makes a FailureInfo usable where an error is expected.
func (f *FailureInfo) Error() string {
	if f == nil {
		return ""
	}
	if f.Code == "" {
		return f.Message
	}
	return f.Code + ": " + f.Message
}

// HasType reports whether the failure carries classification t.
func (f *FailureInfo) HasType(t FailureType) bool {
	if f == nil {
		return false
	}
	for _, ft := range f.Types {
		if ft == t {
			return true
		}
	}
	return false
}

// ErroredStatus maps the failure classification to a terminal status.
// Infrastructure failures (no worker could be provisioned, the worker was
// unreachable) are ERRORED; everything else is FAILED.
func (f *FailureInfo) ErroredStatus() Status {
	if f.HasType(FailureDelegateProvisioning) || f.HasType(FailureConnectivity) {
		return StatusErrored
	}
	return StatusFailed
}

// NewFailure builds a FailureInfo with the given classification.
func NewFailure(message string, types ...FailureType) *FailureInfo {
	if len(types) == 0 {
		types = []FailureType{FailureUnknown}
	}
	return &FailureInfo{Message: message, Types: types}
}

// FailureFromError converts err into a FailureInfo. A *FailureInfo is
// returned as-is.
func FailureFromError(err error, types ...FailureType) *FailureInfo {
	if err == nil {
		return nil
	}
	if f, ok := err.(*FailureInfo); ok {
		return f
	}
	return NewFailure(strings.TrimSpace(err.Error()), types...)
}
