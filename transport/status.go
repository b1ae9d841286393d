package transport

import (
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Per-message failure reasons carried in the ErrorInfo status detail when
// exactly-once delivery is enabled. The metadata map is keyed by ack id; a
// reason with the transient prefix means the operation may be retried for
// that id, anything else is permanent.
const (
	// TransientFailurePrefix marks retriable per-message failure reasons.
	TransientFailurePrefix = "TRANSIENT_FAILURE_"

	// PermanentFailureInvalidAckID is returned when an ack id is malformed or
	// its lease already expired on the broker.
	PermanentFailureInvalidAckID = "PERMANENT_FAILURE_INVALID_ACK_ID"
)

// IsTransient reports whether err is a transient-network failure worth
// retrying under backoff: deadline exceeded, unavailable, aborted, internal
// or resource-exhausted.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.Aborted, codes.Internal, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// AckFailureReasons extracts the per-ack-id failure reasons from an
// exactly-once acknowledge or modify error.
//
// Returns:
//   - map[string]string: ack id → reason string; nil when err carries no
//     ErrorInfo detail
func AckFailureReasons(err error) map[string]string {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			return info.GetMetadata()
		}
	}

	return nil
}

// ClassifyAckErrors splits the ack ids of a failed exactly-once call into
// the set to retry and the set that failed permanently.
//
// Ids named in the error's ErrorInfo metadata are classified by their reason
// string. Ids not named at all follow the call-level status: they are
// retriable when the status code is transient, permanently failed otherwise.
//
// Parameters:
//   - err: The call error (must be non-nil)
//   - ackIDs: The ack ids the failed call carried
//
// Returns:
//   - retriable: Ids that should be retried
//   - permanent: Ids that failed for good, with a per-id error
func ClassifyAckErrors(err error, ackIDs []string) (retriable []string, permanent map[string]error) {
	permanent = make(map[string]error)
	reasons := AckFailureReasons(err)
	callTransient := IsTransient(err)

	for _, id := range ackIDs {
		reason, named := reasons[id]
		switch {
		case !named && callTransient:
			retriable = append(retriable, id)
		case !named:
			permanent[id] = err
		case strings.HasPrefix(reason, TransientFailurePrefix):
			retriable = append(retriable, id)
		default:
			permanent[id] = fmt.Errorf("ack id %s failed: %s", id, reason)
		}
	}

	return retriable, permanent
}

// AckErrorStatus builds a status error carrying per-ack-id failure reasons,
// mirroring what the broker returns for exactly-once subscriptions. Used by
// fakes and tests; real transports produce this shape on the wire.
func AckErrorStatus(code codes.Code, msg string, reasons map[string]string) error {
	st := status.New(code, msg)
	if len(reasons) > 0 {
		detailed, err := st.WithDetails(&errdetails.ErrorInfo{
			Reason:   "EXACTLY_ONCE_ACKID_FAILURE",
			Domain:   "pullstream",
			Metadata: reasons,
		})
		if err == nil {
			st = detailed
		}
	}

	return st.Err()
}
