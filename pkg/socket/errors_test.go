package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnsupportedMigration, http.StatusBadRequest},
		{KindUnsupportedAggregation, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindUniqueConstraint, http.StatusConflict},
		{KindDuplicateCollection, http.StatusConflict},
		{KindCollectionInUse, http.StatusConflict},
		{KindIndexConflict, http.StatusConflict},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{KindTransport, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.kind.HTTPStatus(); got != tc.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestKindFromStatusRoundTrip(t *testing.T) {
	// Every status the server can emit must map back onto a kind with the
	// same status, so a remote without a structured body still lands in the
	// right category.
	kinds := []Kind{
		KindValidation, KindUnauthorized, KindForbidden, KindNotFound,
		KindUniqueConstraint, KindTimeout, KindInternal,
	}
	for _, k := range kinds {
		if got := KindFromStatus(k.HTTPStatus()); got.HTTPStatus() != k.HTTPStatus() {
			t.Errorf("KindFromStatus(%d) = %s with status %d", k.HTTPStatus(), got, got.HTTPStatus())
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := KindOf(NotFoundf("gone")); got != KindNotFound {
		t.Errorf("KindOf(not found) = %q", got)
	}
	wrapped := fmt.Errorf("outer: %w", Validationf("name", "bad"))
	if got := KindOf(wrapped); got != KindValidation {
		t.Errorf("KindOf(wrapped) = %q", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(deadline) = %q", got)
	}
	if got := KindOf(context.Canceled); got != KindTimeout {
		t.Errorf("KindOf(canceled) = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(inner, KindInternal, "outer")
	if !errors.Is(err, inner) {
		t.Error("wrapped error lost its cause")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindInternal {
		t.Error("errors.As failed to recover *Error")
	}
}

func TestDialValidation(t *testing.T) {
	if _, err := Dial(Local{}); err == nil {
		t.Error("Dial(Local{}) with nil handle should fail")
	}
	if _, err := Dial(Remote{}); err == nil {
		t.Error("Dial(Remote{}) without endpoint should fail")
	}
	if _, err := Dial(Remote{Endpoint: "http://localhost:1", Token: "t", APIKey: "k"}); err == nil {
		t.Error("Dial with both credentials should fail")
	}
	sock, err := Dial(Remote{Endpoint: "http://localhost:1", Token: "t"})
	if err != nil {
		t.Fatalf("Dial(Remote) error = %v", err)
	}
	defer sock.Close()
	if _, ok := sock.(CredentialSetter); !ok {
		t.Error("remote adapter must implement CredentialSetter")
	}
}
