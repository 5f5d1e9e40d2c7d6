package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(expiresIn).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	userID := uuid.New()
	verifier := NewJWTVerifier(testSecret)

	identity, err := verifier.Verify(signToken(t, testSecret, userID.String(), time.Hour))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if identity.UserID != userID {
		t.Fatalf("user id = %s, want %s", identity.UserID, userID)
	}
	if identity.ExpiresAt.IsZero() {
		t.Fatal("expected expiry to be populated")
	}
}

func TestJWTVerifier_MissingToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	if _, err := verifier.Verify(""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got: %v", err)
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, uuid.NewString(), -time.Minute)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got: %v", err)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token := signToken(t, "some-other-secret", uuid.NewString(), time.Hour)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got: %v", err)
	}
}

func TestJWTVerifier_SubjectMustBeUserID(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, "not-a-uuid", time.Hour)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got: %v", err)
	}
}

func TestJWTVerifier_RejectsUnsignedAlgorithm(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}

	if _, err := verifier.Verify(signed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got: %v", err)
	}
}
