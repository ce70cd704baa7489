package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfRecoversKindThroughWrapping(t *testing.T) {
	base := errors.New("cache full")
	wrapped := Wrap(BackendTransient, base)
	outer := fmt.Errorf("upload failed: %w", wrapped)

	if got := Of(outer); got != BackendTransient {
		t.Errorf("Of() = %v, want %v", got, BackendTransient)
	}
	if !errors.Is(outer, base) {
		t.Error("errors.Is() lost the underlying error through Wrap")
	}
}

func TestOfUnknownForPlainError(t *testing.T) {
	if got := Of(errors.New("boom")); got != Unknown {
		t.Errorf("Of() = %v, want Unknown", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		BackendUnavailable: true,
		BackendTransient:   true,
		SourceAccess:       false,
		QuotaExceeded:      false,
		Integrity:          false,
		MissingFile:        false,
		Unknown:            false,
	}
	for kind, want := range cases {
		if got := kind.Retryable(); got != want {
			t.Errorf("%v.Retryable() = %v, want %v", kind, got, want)
		}
	}
}
