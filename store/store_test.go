package store

import (
	"errors"
	"testing"
)

type failingStorage struct {
	inner *MemoryStorage
	fail  bool
}

func (f *failingStorage) Get(contactID string) ([]byte, bool, error) {
	return f.inner.Get(contactID)
}

func (f *failingStorage) Set(contactID string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.inner.Set(contactID, value)
}

func TestPutGetRoundtrip(t *testing.T) {
	s := New(NewMemoryStorage())

	hash, err := s.Put("c1", []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if hash == "" {
		t.Fatal("empty hash")
	}

	value, ok, err := s.Get("c1")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if string(value) != "hello" {
		t.Fatalf("value = %q", value)
	}
	if got, ok := s.Hash("c1"); !ok || got != hash {
		t.Fatalf("hash = %q ok=%v", got, ok)
	}
}

func TestPutAcceptLast(t *testing.T) {
	s := New(NewMemoryStorage())

	first, _ := s.Put("c1", []byte("one"))
	second, err := s.Put("c1", []byte("two"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first == second {
		t.Fatal("hash did not change")
	}
	value, _, _ := s.Get("c1")
	if string(value) != "two" {
		t.Fatalf("value = %q", value)
	}
}

func TestChangeCallbackOnlyOnNewHash(t *testing.T) {
	s := New(NewMemoryStorage())

	var calls int
	var lastHash string
	s.OnChange(func(contactID, hash string, value []byte) {
		calls++
		lastHash = hash
		if contactID != "c1" {
			t.Errorf("contact = %q", contactID)
		}
	})

	h1, _ := s.Put("c1", []byte("same"))
	s.Put("c1", []byte("same"))
	s.Put("c1", []byte("same"))
	if calls != 1 {
		t.Fatalf("callback fired %d times for identical content", calls)
	}
	if lastHash != h1 {
		t.Fatalf("callback hash = %q, want %q", lastHash, h1)
	}

	s.Put("c1", []byte("different"))
	if calls != 2 {
		t.Fatalf("callback fired %d times after change", calls)
	}
}

func TestFailedWriteLeavesIndexUntouched(t *testing.T) {
	backing := &failingStorage{inner: NewMemoryStorage()}
	s := New(backing)

	oldHash, err := s.Put("c1", []byte("good"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var fired bool
	s.OnChange(func(string, string, []byte) { fired = true })

	backing.fail = true
	if _, err := s.Put("c1", []byte("bad")); !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if fired {
		t.Fatal("callback fired for failed write")
	}
	if got, _ := s.Hash("c1"); got != oldHash {
		t.Fatalf("hash advanced past failed write: %q", got)
	}
	value, _, _ := s.Get("c1")
	if string(value) != "good" {
		t.Fatalf("value = %q", value)
	}
}

func TestAllHashesSorted(t *testing.T) {
	s := New(NewMemoryStorage())
	for _, id := range []string{"c-z", "c-a", "c-m"} {
		if _, err := s.Put(id, []byte(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	all := s.AllHashes()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	want := []string{"c-a", "c-m", "c-z"}
	for i, ch := range all {
		if ch.ContactID != want[i] {
			t.Fatalf("order = %v", all)
		}
	}
}

func TestHashOfDeterministic(t *testing.T) {
	a := HashOf([]byte("payload"))
	b := HashOf([]byte("payload"))
	c := HashOf([]byte("payload!"))
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if a == c {
		t.Fatal("distinct content collided")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d", len(a))
	}
}
