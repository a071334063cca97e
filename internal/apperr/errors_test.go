package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation(CodeMissingInput, "no image"), http.StatusBadRequest},
		{PayloadTooLarge(20, 10), http.StatusRequestEntityTooLarge},
		{Processing("embed", errors.New("boom"), "run failed"), http.StatusUnprocessableEntity},
		{Network("broker down", nil), http.StatusServiceUnavailable},
		{NotFound("job %s not found", "x"), http.StatusNotFound},
		{Timeout("too slow", nil), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Processing("detect", errors.New("ort failure"), "run detector on %d bytes", 42)
	wrapped := fmt.Errorf("job abc: %w", base)

	if KindOf(wrapped) != KindProcessing {
		t.Fatalf("KindOf(wrapped) = %q", KindOf(wrapped))
	}
	e, ok := As(wrapped)
	if !ok || e.Stage != "detect" {
		t.Fatalf("As(wrapped) = %+v, %v", e, ok)
	}
	if errors.Unwrap(base) == nil {
		t.Fatal("Processing error lost its cause")
	}
}

func TestPublicMessageHidesCause(t *testing.T) {
	err := Processing("score", errors.New("secret internal detail"), "scorer failed")
	if got := PublicMessage(err); got != "score: scorer failed" {
		t.Fatalf("PublicMessage = %q", got)
	}
	if got := PublicMessage(errors.New("raw")); got != "internal error" {
		t.Fatalf("PublicMessage(raw) = %q", got)
	}
}

func TestNilErrorRender(t *testing.T) {
	var e *Error
	if e.Error() != "<nil>" {
		t.Fatalf("nil *Error render = %q", e.Error())
	}
	if KindOf(nil) != "" {
		t.Fatal("KindOf(nil) should be empty")
	}
}
