package registry

import (
	"errors"
	"testing"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/soxyerr"
)

func TestLookup(t *testing.T) {
	reg := New(
		&Descriptor{Name: "alpha"},
		&Descriptor{Name: "beta"},
	)

	d, err := reg.Lookup("alpha")
	if err != nil {
		t.Fatalf("Lookup alpha: %v", err)
	}
	if d.Name != "alpha" {
		t.Fatalf("Lookup returned %q", d.Name)
	}

	if _, err := reg.Lookup("gamma"); !errors.Is(err, soxyerr.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	reg := New(
		&Descriptor{Name: "c"},
		&Descriptor{Name: "a"},
		&Descriptor{Name: "b"},
	)
	names := []string{}
	for _, d := range reg.All() {
		names = append(names, d.Name)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("All() order = %v, want %v", names, want)
		}
	}
}

func TestNewPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate service name")
		}
	}()
	New(&Descriptor{Name: "dup"}, &Descriptor{Name: "dup"})
}

// flushCounter records how often Flush is called through the Flushing
// wrapper.
type flushCounter struct {
	writes  int
	flushes int
}

func (f *flushCounter) ClientID() chunk.ClientID { return 0 }
func (f *flushCounter) Service() string          { return "test" }
func (f *flushCounter) Read(p []byte) (int, error) {
	return 0, nil
}
func (f *flushCounter) Write(p []byte) (int, error) {
	f.writes++
	return len(p), nil
}
func (f *flushCounter) Flush() error {
	f.flushes++
	return nil
}
func (f *flushCounter) Close() error { return nil }

func TestFlushingFlushesEveryWrite(t *testing.T) {
	fc := &flushCounter{}
	w := Flushing(fc)
	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("block")); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}
	if fc.writes != 3 || fc.flushes != 3 {
		t.Fatalf("writes=%d flushes=%d, want 3 and 3", fc.writes, fc.flushes)
	}
}
