package errors

import "errors"

// Client errors.
var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrMessageIDRequired    = errors.New("message id is required")
	ErrMessageNotFound      = errors.New("message not found")
)

// Server/transport errors.
var (
	ErrAPIRequest           = errors.New("API request failed")
	ErrAPIResponse          = errors.New("unexpected API response")
	ErrMalformedResponse    = errors.New("malformed response body")
	ErrRateLimited          = errors.New("rate limited by server")
	ErrSubscriptionRejected = errors.New("realtime subscription rejected")
)
