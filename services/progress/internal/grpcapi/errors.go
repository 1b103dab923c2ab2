package grpcapi

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "progress"

func withInfo(c codes.Code, reason, msg string) error {
	st := status.New(c, msg)
	st2, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain})
	if err != nil {
		return st.Err()
	}
	return st2.Err()
}

func errInvalidArgument(reason, msg string, fieldViolations map[string]string) error {
	st := status.New(codes.InvalidArgument, msg)
	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}

	bad := &errdetails.BadRequest{}
	for field, desc := range fieldViolations {
		bad.FieldViolations = append(bad.FieldViolations, &errdetails.BadRequest_FieldViolation{Field: field, Description: desc})
	}

	st2, err := st.WithDetails(info, bad)
	if err != nil {
		return st.Err()
	}
	return st2.Err()
}

func errNotFound(reason, msg string) error {
	return withInfo(codes.NotFound, reason, msg)
}

func errUnavailable(reason, msg string) error {
	return withInfo(codes.Unavailable, reason, msg)
}

func errInternal(reason, msg string) error {
	return withInfo(codes.Internal, reason, msg)
}
