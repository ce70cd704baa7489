package digest

import (
	"strings"
	"testing"
)

func TestFile(t *testing.T) {
	got, err := File(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	if got == "" {
		t.Fatal("File() returned empty digest")
	}

	again, err := File(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	if got != again {
		t.Errorf("File() not deterministic: %q != %q", got, again)
	}
}

func TestRunningMatchesFile(t *testing.T) {
	want, err := File(strings.NewReader("streamed in two pieces"))
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}

	r := NewRunning()
	r.Write([]byte("streamed in "))
	r.Write([]byte("two pieces"))

	if !r.Equal(want) {
		t.Errorf("Running digest %q, want %q", r.String(), want)
	}
}
