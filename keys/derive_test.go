package keys

import (
	"bytes"
	"testing"
)

func testSecret() []byte {
	secret := make([]byte, MasterSecretSize)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	return secret
}

func TestDeriveDeterministic(t *testing.T) {
	secret := testSecret()

	k1, err := DeriveSegmentKey(secret, "video-a", 7)
	if err != nil {
		t.Fatalf("DeriveSegmentKey failed: %v", err)
	}
	k2, err := DeriveSegmentKey(secret, "video-a", 7)
	if err != nil {
		t.Fatalf("DeriveSegmentKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same inputs must derive the same key")
	}
	if len(k1) != SegmentKeySize {
		t.Fatalf("expected %d-byte key, got %d", SegmentKeySize, len(k1))
	}
}

func TestDeriveDistinctAcrossIndices(t *testing.T) {
	secret := testSecret()
	seen := make(map[string]int64)

	for i := int64(0); i < 64; i++ {
		key, err := DeriveSegmentKey(secret, "video-a", i)
		if err != nil {
			t.Fatalf("DeriveSegmentKey(%d) failed: %v", i, err)
		}
		iv, err := DeriveSegmentIV(secret, "video-a", i)
		if err != nil {
			t.Fatalf("DeriveSegmentIV(%d) failed: %v", i, err)
		}
		if bytes.Equal(key, iv) {
			t.Fatalf("key and IV collide at index %d", i)
		}
		if prev, ok := seen[string(key)]; ok {
			t.Fatalf("key collision between indices %d and %d", prev, i)
		}
		seen[string(key)] = i
		if prev, ok := seen[string(iv)]; ok {
			t.Fatalf("iv collision between indices %d and %d", prev, i)
		}
		seen[string(iv)] = i
	}
}

func TestDeriveDistinctAcrossVideos(t *testing.T) {
	secret := testSecret()

	ka, _ := DeriveSegmentKey(secret, "video-a", 0)
	kb, _ := DeriveSegmentKey(secret, "video-b", 0)
	if bytes.Equal(ka, kb) {
		t.Fatal("different videos must derive different keys for the same index")
	}
}

func TestDeriveDistinctAcrossSecrets(t *testing.T) {
	other := testSecret()
	other[0] ^= 0xff

	k1, _ := DeriveSegmentKey(testSecret(), "video-a", 0)
	k2, _ := DeriveSegmentKey(other, "video-a", 0)
	if bytes.Equal(k1, k2) {
		t.Fatal("different secrets must derive different keys")
	}
}

func TestDeriveRejectsBadInputs(t *testing.T) {
	if _, err := DeriveSegmentKey(make([]byte, 16), "video-a", 0); err != ErrBadSecretSize {
		t.Fatalf("expected ErrBadSecretSize, got %v", err)
	}
	if _, err := DeriveSegmentIV(testSecret(), "video-a", -1); err != ErrBadIndex {
		t.Fatalf("expected ErrBadIndex, got %v", err)
	}
}

func TestNewMasterSecret(t *testing.T) {
	s1, err := NewMasterSecret()
	if err != nil {
		t.Fatalf("NewMasterSecret failed: %v", err)
	}
	if len(s1) != MasterSecretSize {
		t.Fatalf("expected %d bytes, got %d", MasterSecretSize, len(s1))
	}
	s2, _ := NewMasterSecret()
	if bytes.Equal(s1, s2) {
		t.Fatal("two generated secrets should not be equal")
	}
}
