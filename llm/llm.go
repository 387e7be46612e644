package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Client abstracts the vision model provider used for diagnosis.
type Client interface {
	// Diagnose sends raw image bytes together with the fixed instruction
	// prompt and returns the model's text response. Implementations do not
	// retry; transient failures surface as *ModelError and the caller
	// decides whether the image stays pending.
	Diagnose(ctx context.Context, image []byte, prompt string) (string, error)
	// SourceName returns a short provider label persisted with each
	// diagnosis (e.g., "Gemini", "ChatGPT").
	SourceName() string
}

// Kind classifies a model call failure.
type Kind int

const (
	// KindUnknown covers unexpected provider failures; treated as transient.
	KindUnknown Kind = iota
	// KindRateLimited means the provider asked us to back off. The run
	// stops starting new items when it sees this.
	KindRateLimited
	// KindInvalidImage means the provider rejected the image bytes.
	// Permanent: the image will never diagnose.
	KindInvalidImage
	// KindTimeout means the call exceeded its per-call timeout. Transient.
	KindTimeout
)

// ModelError is a classified provider failure.
type ModelError struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	label := "unknown model error"
	switch e.Kind {
	case KindRateLimited:
		label = "rate limited"
	case KindInvalidImage:
		label = "invalid image"
	case KindTimeout:
		label = "timeout"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, label, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, label)
}

func (e *ModelError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, or KindUnknown if err is not a
// *ModelError.
func KindOf(err error) Kind {
	var merr *ModelError
	if errors.As(err, &merr) {
		return merr.Kind
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a rate-limit classification.
func IsRateLimited(err error) bool { return is(err, KindRateLimited) }

// IsInvalidImage reports whether err is a permanent invalid-image rejection.
func IsInvalidImage(err error) bool { return is(err, KindInvalidImage) }

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

func is(err error, kind Kind) bool {
	var merr *ModelError
	return errors.As(err, &merr) && merr.Kind == kind
}

// ClassifyStatus converts a non-200 provider HTTP status into a ModelError.
// 429 means back off; 4xx payload rejections are permanent; everything else
// is an unknown transient failure.
func ClassifyStatus(provider string, status int, body []byte) error {
	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType:
		kind = KindInvalidImage
	case status == http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	return &ModelError{
		Kind:     kind,
		Provider: provider,
		Err:      fmt.Errorf("API error (status %d): %s", status, string(body)),
	}
}

// ClassifyTransport converts a transport-level failure into a ModelError.
func ClassifyTransport(provider string, err error) error {
	kind := KindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			kind = KindTimeout
		}
	}
	return &ModelError{Kind: kind, Provider: provider, Err: err}
}
