package s3

import (
	"errors"
	"sync"
	"testing"
)

func TestObjectKey(t *testing.T) {
	if got := objectKey("ns", "path/to/file"); got != "ns/path/to/file" {
		t.Errorf("objectKey = %q, want %q", got, "ns/path/to/file")
	}
}

func TestIsNoSuchKey(t *testing.T) {
	if !isNoSuchKey(errors.New("operation error S3: GetObject, https response error StatusCode: 404, NoSuchKey: The specified key does not exist.")) {
		t.Error("expected NoSuchKey to be recognized")
	}
	if !isNoSuchKey(errors.New("InvalidRange: The requested range is not satisfiable")) {
		t.Error("expected InvalidRange to be recognized")
	}
	if isNoSuchKey(errors.New("some other failure")) {
		t.Error("did not expect an unrelated error to match")
	}
}

func TestLockForReusesMutexPerKey(t *testing.T) {
	h := &objectHandle{locks: make(map[string]*sync.Mutex)}
	a := h.lockFor("k")
	b := h.lockFor("k")
	if a != b {
		t.Error("expected lockFor to return the same mutex for the same key")
	}
}
