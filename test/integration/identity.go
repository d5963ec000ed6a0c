package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testKeyID = "test-key-1"

// TestUser is the signed-in identity the provider vouches for.
type TestUser struct {
	SubjectID string
	Email     string
}

// Operator returns the default monitoring user.
func Operator() TestUser {
	return TestUser{SubjectID: "user-operator", Email: "operator@acme.example.com"}
}

type authGrant struct {
	user        TestUser
	challenge   string
	accessToken string
}

// identityProvider issues one-time authorization codes and the id_tokens
// returned with them.
type identityProvider struct {
	privateKey *rsa.PrivateKey
	issuer     string
	clientID   string

	mu    sync.Mutex
	codes map[string]authGrant
}

func newIdentityProvider(t *testing.T, clientID string) *identityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return &identityProvider{
		privateKey: key,
		issuer:     "https://identity.test.maestro.dev",
		clientID:   clientID,
		codes:      make(map[string]authGrant),
	}
}

// authorize records a consent for user and returns the code the browser
// would bring back to the callback.
func (p *identityProvider) authorize(user TestUser, challenge string) string {
	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = authGrant{user: user, challenge: challenge, accessToken: "at-" + uuid.NewString()}
	p.mu.Unlock()
	return code
}

// redeem consumes a code.
func (p *identityProvider) redeem(code string) (authGrant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	return g, ok
}

func (p *identityProvider) idToken(user TestUser) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   p.issuer,
		"aud":   p.clientID,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(time.Hour)),
		"sub":   user.SubjectID,
		"email": user.Email,
	})
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
