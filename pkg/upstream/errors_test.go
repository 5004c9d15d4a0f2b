package upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  *AttemptError
		want Disposition
	}{
		{"network error", NetworkError(errors.New("connection refused")), Retryable},
		{"500", StatusError(http.StatusInternalServerError), Retryable},
		{"502", StatusError(http.StatusBadGateway), Retryable},
		{"503", StatusError(http.StatusServiceUnavailable), Retryable},
		{"504", StatusError(http.StatusGatewayTimeout), Retryable},
		{"408", StatusError(http.StatusRequestTimeout), Retryable},
		{"429", StatusError(http.StatusTooManyRequests), Retryable},
		{"400", StatusError(http.StatusBadRequest), Terminal},
		{"401", StatusError(http.StatusUnauthorized), Terminal},
		{"403", StatusError(http.StatusForbidden), Terminal},
		{"404", StatusError(http.StatusNotFound), Terminal},
		{"not found answer", NotFoundError(http.StatusOK, "city not found"), Terminal},
		{"malformed body", MalformedError(http.StatusOK, errors.New("unexpected EOF")), Retryable},
		{"nil", nil, Terminal},
		{"unknown kind", &AttemptError{}, Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttemptError_Class(t *testing.T) {
	tests := []struct {
		name string
		err  *AttemptError
		want ErrorClass
	}{
		{"network", NetworkError(errors.New("timeout")), ErrorClassNetwork},
		{"server", StatusError(http.StatusBadGateway), ErrorClassServer},
		{"client", StatusError(http.StatusBadRequest), ErrorClassClient},
		{"not found", NotFoundError(http.StatusOK, "nope"), ErrorClassNotFound},
		{"malformed", MalformedError(http.StatusOK, errors.New("bad json")), ErrorClassMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Class(); got != tt.want {
				t.Errorf("Class() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttemptError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NetworkError(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the transport cause")
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestFetchError_Is(t *testing.T) {
	sentinels := map[FetchKind]error{
		FetchTransientExhausted: ErrTransientExhausted,
		FetchTerminal:           ErrTerminal,
		FetchInvalidRequest:     ErrInvalidRequest,
		FetchCanceled:           ErrCanceled,
	}

	for kind, want := range sentinels {
		t.Run(string(kind), func(t *testing.T) {
			err := &FetchError{Kind: kind, Attempts: 1, Last: StatusError(http.StatusBadGateway)}

			for other, sentinel := range sentinels {
				got := errors.Is(err, sentinel)
				if other == kind && !got {
					t.Errorf("errors.Is(%s, %v) = false, want true", kind, sentinel)
				}
				if other != kind && got {
					t.Errorf("errors.Is(%s, %v) = true, want false", kind, sentinel)
				}
			}
			if !errors.Is(err, want) {
				t.Errorf("expected %v", want)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	last := StatusError(http.StatusServiceUnavailable)
	err := error(&FetchError{Kind: FetchCanceled, Attempts: 1, Last: last, Err: context.Canceled})

	var attemptErr *AttemptError
	if !errors.As(err, &attemptErr) {
		t.Fatal("errors.As() should find the last attempt error")
	}
	if attemptErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", attemptErr.StatusCode)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("errors.Is() should find context.Canceled")
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode() != http.StatusServiceUnavailable {
		t.Error("StatusCode() should report the last observed status")
	}
}
