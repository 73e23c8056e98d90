package platform

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/envforge-io/envforge/internal/orch"
)

// transientCodes are platform error codes safe to retry in place.
var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
	"InternalError":            true,
	"InternalFailure":          true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
	"IDPCommunicationError":    true,
	"EC2ThrottledException":    true,
	"ProvisionedThroughputExceededException": true,
}

// dependencyCodes indicate a delete rejected because something still
// references the target.
var dependencyCodes = map[string]bool{
	"DependencyViolation":    true,
	"ResourceInUseException": true,
	"InvalidDBInstanceState": true,
	"DeleteConflict":         true,
}

// Classify wraps a raw platform error into the orchestrator's failure
// taxonomy. Classification always precedes decisions: callers branch on the
// class, never on error text.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	// A timed-out remote call is "outcome unknown", which downstream logic
	// treats as retryable; the conflict resolver exists precisely because
	// the operation may have completed after the client gave up.
	if errors.Is(err, context.DeadlineExceeded) {
		return orch.NewFailure(orch.ClassTransient, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return orch.NewFailure(orch.ClassCancelled, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return orch.NewFailure(orch.ClassTransient, op, err)
		case dependencyCodes[code]:
			return orch.NewFailure(orch.ClassDependencyBlocked, op, err)
		}
		return orch.NewFailure(orch.ClassUnknown, op, err)
	}

	return orch.NewFailure(orch.ClassUnknown, op, err)
}

// IsNotFound reports whether err means the resource does not exist remotely.
// "Already gone" is success for every ensureDeleted operation.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if strings.Contains(code, "NotFound") || strings.Contains(code, "NoSuchEntity") ||
			code == "ResourceNotFoundException" || code == "DBInstanceNotFound" ||
			code == "ClusterNotFoundException" || code == "ServiceNotFoundException" ||
			code == "RepositoryNotFoundException" || code == "NoSuchHostedZone" {
			return true
		}
	}
	return false
}

// IsAlreadyExists reports whether err means a create conflicted with a live
// resource of the same key.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.ErrorCode(), "AlreadyExists")
	}
	return false
}
