package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxSessionIDLength bounds client-chosen session ids.
const maxSessionIDLength = 128

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired checks if a field is non-empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName, "is required")
	}
	return nil
}

// validateSessionID checks a session id supplied in stream metadata.
func validateSessionID(id string) error {
	if err := validateRequired(id, SessionIDHeader); err != nil {
		return err
	}
	if len(id) > maxSessionIDLength {
		return InvalidArgument(SessionIDHeader, "is too long")
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return InvalidArgument(SessionIDHeader, "must be printable ASCII without spaces")
		}
	}
	return nil
}

// =============================================================================
// STATUS BUILDERS
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error.
// Use for malformed or missing stream metadata.
func InvalidArgument(fieldName, problem string) error {
	return status.Errorf(codes.InvalidArgument, "%s %s", fieldName, problem)
}

// Internal wraps an internal error with context.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}
