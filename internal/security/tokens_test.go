package security

import (
	"errors"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestRandomToken_LengthAndUniqueness(t *testing.T) {
	a, err := RandomToken(nil, TokenBytes)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if len(a) != TokenBytes*2 {
		t.Errorf("len = %d, want %d hex chars", len(a), TokenBytes*2)
	}
	b, err := RandomToken(nil, TokenBytes)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if a == b {
		t.Error("two tokens from crypto/rand are equal")
	}
}

func TestRandomToken_EntropyFailure(t *testing.T) {
	_, err := RandomToken(failingReader{}, TokenBytes)
	if err != ErrEntropy {
		t.Errorf("err = %v, want ErrEntropy", err)
	}
}

func TestRandomToken_DeterministicSource(t *testing.T) {
	tok, err := RandomToken(strings.NewReader("0123456789abcdef01234567"), TokenBytes)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if tok != "303132333435363738396162636465663031323334353637" {
		t.Errorf("tok = %q", tok)
	}
}

func TestConstantTimeEquals(t *testing.T) {
	for _, s := range []string{"", "a", "secret-token", strings.Repeat("x", 1024)} {
		if !ConstantTimeEquals(s, s) {
			t.Errorf("ConstantTimeEquals(%q, %q) = false", s, s)
		}
	}
	unequal := [][2]string{
		{"a", "b"},
		{"secret", "secret "},
		{"short", "a-much-longer-value"},
		{"", "x"},
	}
	for _, pair := range unequal {
		if ConstantTimeEquals(pair[0], pair[1]) {
			t.Errorf("ConstantTimeEquals(%q, %q) = true", pair[0], pair[1])
		}
	}
}

func TestTokenHashEqual(t *testing.T) {
	stored := HashToken("device-token-1")
	if !TokenHashEqual("device-token-1", stored) {
		t.Error("TokenHashEqual should match the hashed token")
	}
	if TokenHashEqual("device-token-2", stored) {
		t.Error("TokenHashEqual should reject a different token")
	}
	if TokenHashEqual("device-token-1", HashToken("device-token-2")) {
		t.Error("TokenHashEqual should reject a different stored hash")
	}
}
