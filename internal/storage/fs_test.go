package storage

import (
	"io"
	"strings"
	"testing"
)

func TestFSStorePutGetDelete(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	key, err := s.Put("avatars/u1.png", strings.NewReader("imgdata"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "avatars/u1.png" {
		t.Fatalf("key = %q", key)
	}

	rc, err := s.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "imgdata" {
		t.Fatalf("data = %q", data)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(key); err == nil {
		t.Fatal("get succeeded after delete")
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", ".", "../escape", "a/../../escape"} {
		if _, err := s.Put(key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) accepted a bad key", key)
		}
		if _, err := s.Get(key); err == nil {
			t.Errorf("Get(%q) accepted a bad key", key)
		}
	}
}
