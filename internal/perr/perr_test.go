package perr

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorsIsAgainstSentinels(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
	}{
		{"configuration", &ConfigurationError{Component: "config", Cause: errors.New("bad")}, ErrConfiguration},
		{"transient network", &TransientNetworkError{Component: "haconnector", Cause: errors.New("timeout")}, ErrTransientNetwork},
		{"authentication", &AuthenticationError{Component: "haconnector", Consecutive: 2, Cause: errors.New("rejected")}, ErrAuthentication},
		{"protocol", &ProtocolError{Component: "haconnector", Detail: "bad frame"}, ErrProtocol},
		{"transform", &TransformError{TransformName: "state_point", Cause: errors.New("boom")}, ErrTransform},
		{"persistence", &PersistenceError{Store: "tsdb", Reason: "5xx", Cause: errors.New("boom")}, ErrPersistence},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !errors.Is(c.err, c.target) {
				t.Fatalf("errors.Is(%v, %v) = false, want true", c.err, c.target)
			}
		})
	}
}

func TestErrorsIsRejectsWrongSentinel(t *testing.T) {
	err := &ConfigurationError{Component: "config", Cause: errors.New("bad")}
	if errors.Is(err, ErrAuthentication) {
		t.Fatal("ConfigurationError should not match ErrAuthentication")
	}
}

func TestTransformErrorReason(t *testing.T) {
	err := &TransformError{TransformName: "numeric_attributes", Cause: errors.New("boom")}
	if got, want := err.Reason(), "transform:numeric_attributes"; got != want {
		t.Fatalf("Reason() = %q, want %q", got, want)
	}
}

func TestPersistenceErrorDeadLetterReason(t *testing.T) {
	err := &PersistenceError{Store: "metadata", Reason: "constraint_violation", Cause: errors.New("boom")}
	if got, want := err.DeadLetterReason(), "metadata:constraint_violation"; got != want {
		t.Fatalf("DeadLetterReason() = %q, want %q", got, want)
	}
}

func TestPersistenceErrorMessageNotesPermanence(t *testing.T) {
	transient := &PersistenceError{Store: "tsdb", Reason: "503", Cause: errors.New("unavailable")}
	permanent := &PersistenceError{Store: "tsdb", Reason: "400", Cause: errors.New("bad schema"), Permanent: true}

	if got := transient.Error(); !strings.Contains(got, "transient") {
		t.Fatalf("transient error message %q does not mention transient", got)
	}
	if got := permanent.Error(); !strings.Contains(got, "permanent") {
		t.Fatalf("permanent error message %q does not mention permanent", got)
	}
}
