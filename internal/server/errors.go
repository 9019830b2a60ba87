package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// inputError indicates invalid user input.
// Transport layers map this to 400 / InvalidArgument.
type inputError string

func (e inputError) Error() string { return string(e) }

// classify maps an engine error to its HTTP status, gRPC code, and
// contract error code (0 when none applies).
func classify(err error) (int, codes.Code, uint32) {
	var (
		coded *model.Error
		ve    *model.ValidationError
		ie    inputError
		ce    *model.CallError
	)
	switch {
	case errors.As(err, &coded):
		return http.StatusBadRequest, codes.InvalidArgument, uint32(coded.Code)
	case errors.As(err, &ve), errors.As(err, &ie):
		return http.StatusBadRequest, codes.InvalidArgument, 0
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden, codes.PermissionDenied, 0
	case errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound, codes.NotFound, 0
	case errors.As(err, &ce):
		return http.StatusBadGateway, codes.Aborted, 0
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded, 0
	case errors.Is(err, context.Canceled):
		return 499, codes.Canceled, 0
	default:
		return http.StatusInternalServerError, codes.Internal, 0
	}
}

// publicMessage hides storage details from callers of internal failures.
func publicMessage(err error, httpStatus int) string {
	if httpStatus == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// grpcError converts an engine error into a gRPC status error. The
// contract code travels in the "sorotask-error-code" trailer set by the
// handler wrapper.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	httpStatus, code, _ := classify(err)
	return status.Error(code, publicMessage(err, httpStatus))
}

// writeEngineError writes err as a JSON error response.
func writeEngineError(w http.ResponseWriter, err error) {
	httpStatus, _, contractCode := classify(err)
	writeJSON(w, httpStatus, ErrorBody{Error: publicMessage(err, httpStatus), Code: contractCode})
}
