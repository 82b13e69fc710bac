package livedict

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hemanshu03/livedict/pkg/cipher"
)

func TestStoreEncryptsAtRest(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("test-key"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	s := newTestStore(t, WithCipher(c))

	if err := s.Set("secret", []byte("plaintext")); err != nil {
		t.Fatalf("set: %v", err)
	}

	s.mu.Lock()
	e := s.buckets[DefaultBucket]["secret"]
	stored := append([]byte(nil), e.ciphertext...)
	s.mu.Unlock()
	if bytes.Contains(stored, []byte("plaintext")) {
		t.Fatal("plaintext visible in stored blob")
	}

	v, err := s.Get("secret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "plaintext" {
		t.Fatalf("round trip mismatch: %q", v)
	}
}

func TestMirrorCarriesCiphertext(t *testing.T) {
	c, _ := cipher.NewAESGCM([]byte("test-key"))
	s := newTestStore(t, WithCipher(c))
	be := newFakeBackend()

	if err := s.Set("secret", []byte("payload"), WithBackend(be), Persist()); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, ok, _ := be.Get(context.Background(), DefaultBucket, "secret")
	if !ok {
		t.Fatal("record not mirrored")
	}
	if bytes.Contains(rec.Value, []byte("payload")) {
		t.Fatal("backend received plaintext")
	}
	if got, err := c.Decrypt(rec.Value); err != nil || string(got) != "payload" {
		t.Fatalf("mirrored blob not decryptable: %q, %v", got, err)
	}
}

func TestDecryptErrorSurfaced(t *testing.T) {
	// A blob sealed under a key the store no longer holds must fail the
	// read, not silently return garbage.
	oldCipher, _ := cipher.NewAESGCM([]byte("old-key"))
	blob, err := oldCipher.Encrypt([]byte("v"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	newCipher, _ := cipher.NewAESGCM([]byte("new-key"))
	s := newTestStore(t, WithCipher(newCipher))
	be := newFakeBackend()
	_ = be.Set(context.Background(), Record{Bucket: DefaultBucket, Key: "k", Value: blob})

	if _, err := s.Get("k", WithBackend(be)); !errors.Is(err, cipher.ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestRotationAcrossRestart(t *testing.T) {
	// Simulates a restart with a rotated key list: blobs mirrored under the
	// old active key stay readable as long as that key remains a candidate.
	oldCipher, _ := cipher.NewAESGCM([]byte("k0"))
	s1 := newTestStore(t, WithCipher(oldCipher))
	be := newFakeBackend()
	if err := s1.Set("k", []byte("survives"), WithBackend(be), Persist()); err != nil {
		t.Fatalf("set: %v", err)
	}

	rotated, _ := cipher.NewAESGCM([]byte("k1"), []byte("k0"))
	s2 := newTestStore(t, WithCipher(rotated))
	v, err := s2.Get("k", WithBackend(be))
	if err != nil {
		t.Fatalf("get after rotation: %v", err)
	}
	if string(v) != "survives" {
		t.Fatalf("unexpected value: %q", v)
	}
}
