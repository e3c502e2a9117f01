package notify

import (
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// GenericFailure is shown when a failure carries no server message.
const GenericFailure = "Something went wrong, please try again"

// ErrorMessage picks the server-provided message from err, or the fallback.
func ErrorMessage(err error, fallback string) string {
	if fallback == "" {
		fallback = GenericFailure
	}
	domainErr := apperrors.ToDomainError(err)
	if domainErr == nil {
		return fallback
	}
	switch domainErr.Code {
	case apperrors.CodeInternal, apperrors.CodeUnavailable:
		return fallback
	}
	if domainErr.Message == "" {
		return fallback
	}
	return domainErr.Message
}
