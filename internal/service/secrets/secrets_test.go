package secrets

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	b, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return b
}

func TestNewBox_RejectsShortKey(t *testing.T) {
	if _, err := NewBox([]byte("short")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("NewBox(short) error = %v, want ErrInvalidArgument", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	b := testBox(t)

	sealed, err := b.Seal([]byte("oauth-token-value"), "conn-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("oauth-token-value")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := b.Open(sealed, "conn-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "oauth-token-value" {
		t.Fatalf("Open() = %q, want original plaintext", got)
	}
}

func TestOpen_WrongConnectionFails(t *testing.T) {
	b := testBox(t)

	sealed, err := b.Seal([]byte("token"), "conn-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed, "conn-2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Open with wrong connection = %v, want ErrUnauthorized", err)
	}
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	b := testBox(t)

	sealed, err := b.Seal([]byte("token"), "conn-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := b.Open(sealed, "conn-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Open tampered = %v, want ErrUnauthorized", err)
	}
}

func TestOpen_RejectsBadEnvelopes(t *testing.T) {
	b := testBox(t)

	if _, err := b.Open([]byte{0x01, 0x02}, "conn-1"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("short envelope = %v, want ErrInvalidArgument", err)
	}

	sealed, _ := b.Seal([]byte("token"), "conn-1")
	sealed[0] = 0x7f
	if _, err := b.Open(sealed, "conn-1"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown version = %v, want ErrInvalidArgument", err)
	}
}

func TestSeal_EmptyConnectionRejected(t *testing.T) {
	b := testBox(t)
	if _, err := b.Seal([]byte("x"), ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Seal with empty connection = %v, want ErrInvalidArgument", err)
	}
}

func TestSealString_EmptyStaysNil(t *testing.T) {
	b := testBox(t)

	sealed, err := b.SealString("", "conn-1")
	if err != nil || sealed != nil {
		t.Fatalf("SealString(\"\") = %v, %v; want nil, nil", sealed, err)
	}

	got, err := b.OpenString(nil, "conn-1")
	if err != nil || got != "" {
		t.Fatalf("OpenString(nil) = %q, %v; want \"\", nil", got, err)
	}

	sealed, err = b.SealString("client-secret", "conn-1")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	got, err = b.OpenString(sealed, "conn-1")
	if err != nil || got != "client-secret" {
		t.Fatalf("OpenString round-trip = %q, %v", got, err)
	}
}

func TestSeal_NoncesDiffer(t *testing.T) {
	b := testBox(t)
	a, _ := b.Seal([]byte("token"), "conn-1")
	c, _ := b.Seal([]byte("token"), "conn-1")
	if bytes.Equal(a, c) {
		t.Fatal("two seals of same plaintext produced identical envelopes")
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery", DefaultArgon2Params())
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct horse battery", hash) {
		t.Fatal("VerifyPassword rejected correct password")
	}
	if VerifyPassword("wrong password", hash) {
		t.Fatal("VerifyPassword accepted wrong password")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plainhash",
		"argon2id$bad$parts",
		"bcrypt$3$65536$2$c2FsdA$aGFzaA",
		"argon2id$x$65536$2$c2FsdA$aGFzaA",
		"argon2id$3$65536$2$!!!$aGFzaA",
	}
	for _, h := range cases {
		if VerifyPassword("pw", h) {
			t.Fatalf("VerifyPassword(%q) = true, want false", h)
		}
	}
}
