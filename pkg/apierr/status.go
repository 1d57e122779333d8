package apierr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindToCode = map[Kind]codes.Code{
	KindNotFound:           codes.NotFound,
	KindAlreadyExists:      codes.AlreadyExists,
	KindInvalidRequest:     codes.InvalidArgument,
	KindServiceUnavailable: codes.Unavailable,
	KindConflict:           codes.Aborted,
	KindTimeout:            codes.DeadlineExceeded,
	KindCancelled:          codes.Canceled,
	KindAccessDenied:       codes.PermissionDenied,
	KindInternal:           codes.Internal,
}

// ToStatus converts err into a grpc status error for the transport edge.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isTyped(err) {
		return err
	}
	code, ok := kindToCode[KindOf(err)]
	if !ok {
		code = codes.Unknown
	}
	return status.Error(code, err.Error())
}

// FromStatus classifies a grpc error returned by the transport.
// Transport-level failures (refused connection, full queue) become
// ServiceUnavailable.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Wrap(KindOf(err), op, err)
	}

	var kind Kind
	switch st.Code() {
	case codes.NotFound:
		kind = KindNotFound
	case codes.AlreadyExists:
		kind = KindAlreadyExists
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		kind = KindInvalidRequest
	case codes.Unavailable, codes.ResourceExhausted:
		kind = KindServiceUnavailable
	case codes.Aborted:
		kind = KindConflict
	case codes.DeadlineExceeded:
		kind = KindTimeout
	case codes.Canceled:
		kind = KindCancelled
	case codes.PermissionDenied, codes.Unauthenticated:
		kind = KindAccessDenied
	default:
		kind = KindInternal
	}
	return &Error{Kind: kind, Op: op, Msg: st.Message()}
}

func isTyped(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
