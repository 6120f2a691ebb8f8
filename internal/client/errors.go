package client

import (
	"context"
	"errors"
	"net"

	"github.com/yajmaan/sevaflow/internal/model"
)

// Provider failures. Clients wrap one of these with %w so callers can classify
// with errors.Is regardless of the transport detail.
var (
	ErrSourceUnreachable    = errors.New("source video unreachable")
	ErrSourceInvalidFormat  = errors.New("source is not a usable video")
	ErrHostingQuotaExceeded = errors.New("hosting quota exceeded")
	ErrHostingRejected      = errors.New("hosting provider rejected upload")
	ErrHostingUnavailable   = errors.New("hosting provider unavailable")
	ErrRecipientInvalid     = errors.New("recipient invalid")
	ErrTemplateRejected     = errors.New("template rejected by provider")
	ErrProviderRateLimited  = errors.New("messaging provider rate limited")
	ErrProviderUnavailable  = errors.New("messaging provider unavailable")
)

var retryable = []error{
	ErrSourceUnreachable,
	ErrHostingUnavailable,
	ErrProviderRateLimited,
	ErrProviderUnavailable,
}

var codes = []struct {
	err  error
	code string
}{
	{ErrSourceUnreachable, model.FailureCodeSourceUnreachable},
	{ErrSourceInvalidFormat, model.FailureCodeSourceInvalidFormat},
	{ErrHostingQuotaExceeded, model.FailureCodeHostingQuotaExceeded},
	{ErrHostingRejected, model.FailureCodeHostingRejected},
	{ErrHostingUnavailable, model.FailureCodeHostingUnavailable},
	{ErrRecipientInvalid, model.FailureCodeRecipientInvalid},
	{ErrTemplateRejected, model.FailureCodeTemplateRejected},
	{ErrProviderRateLimited, model.FailureCodeProviderRateLimited},
	{ErrProviderUnavailable, model.FailureCodeProviderUnavailable},
}

// IsRetryable reports whether err is a transient provider failure
func IsRetryable(err error) bool {
	for _, target := range retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode maps err to the failure code shown in batch reports
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.Canceled) {
		return model.FailureCodeCancelled
	}
	return model.FailureCodeUnknown
}

// isTimeout reports whether a transport error was a timeout or deadline
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
