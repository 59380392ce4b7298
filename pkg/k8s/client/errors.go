package client

import (
	"context"
	stderrors "errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
)

// WrapAPIError maps a Kubernetes API error onto a structured error code.
// Timeouts and throttling are transient; NotFound, AlreadyExists and
// Conflict keep their meaning; admission and validation rejections are
// reported as invalid requests.
func WrapAPIError(op string, err error) error {
	if err == nil {
		return nil
	}

	var code cnserrors.ErrorCode
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		code = cnserrors.ErrCodeTimeout
	case stderrors.Is(err, context.Canceled):
		code = cnserrors.ErrCodeUnavailable
	case apierrors.IsNotFound(err):
		code = cnserrors.ErrCodeNotFound
	case apierrors.IsAlreadyExists(err):
		code = cnserrors.ErrCodeAlreadyExists
	case apierrors.IsConflict(err):
		code = cnserrors.ErrCodeConflict
	case apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		code = cnserrors.ErrCodeUnavailable
	case apierrors.IsInvalid(err), apierrors.IsForbidden(err), apierrors.IsBadRequest(err):
		code = cnserrors.ErrCodeInvalidRequest
	case apierrors.IsUnauthorized(err):
		code = cnserrors.ErrCodeUnauthorized
	default:
		code = cnserrors.ErrCodeUnavailable
	}
	return cnserrors.Wrap(code, fmt.Sprintf("failed to %s", op), err)
}
