package headless

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"foundry-relay/internal/store"
)

// ErrHandshakeNotFound covers an absent or expired handshake token.
var ErrHandshakeNotFound = errors.New("headless: handshake not found or expired")

// ErrCredentialMismatch is returned when redemption's credential doesn't
// match the minted handshake's.
var ErrCredentialMismatch = errors.New("headless: credential mismatch")

// ErrNonceMismatch is returned when the decrypted payload's nonce doesn't
// match the minted handshake's.
var ErrNonceMismatch = errors.New("headless: nonce mismatch")

const (
	handshakeTTL = 5 * time.Minute
	rsaKeyBits   = 2048
	nonceBytes   = 16
	tokenBytes   = 32
)

// handshakeState is everything the minting step records, keyed by token.
// The private key never leaves server memory/coordination-store, per
// spec.md §4.G.
type handshakeState struct {
	Token          string
	Credential     string
	DestinationURL string
	WorldName      string
	Username       string
	PublicKeyPEM   string
	PrivateKeyPEM  string
	Nonce          string
	ExpiresAt      time.Time
	OwningInstance string
}

// MintResult is what the Step-1 HTTP handler returns to the caller.
type MintResult struct {
	Token        string    `json:"token"`
	PublicKeyPEM string    `json:"publicKeyPem"`
	Nonce        string    `json:"nonce"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Mint generates the RSA key pair, token, and nonce for a new handshake and
// stores it (coordination store, or in-process fallback) with a 300s TTL.
func (c *Controller) Mint(ctx context.Context, credential, destinationURL, worldName, username string) (MintResult, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return MintResult{}, fmt.Errorf("generate key: %w", err)
	}

	token, err := randomHex(tokenBytes)
	if err != nil {
		return MintResult{}, err
	}
	nonce, err := randomHex(nonceBytes)
	if err != nil {
		return MintResult{}, err
	}

	expiresAt := time.Now().Add(handshakeTTL)
	state := handshakeState{
		Token:          token,
		Credential:     credential,
		DestinationURL: destinationURL,
		WorldName:      worldName,
		Username:       username,
		PublicKeyPEM:   encodePublicKey(&priv.PublicKey),
		PrivateKeyPEM:  encodePrivateKey(priv),
		Nonce:          nonce,
		ExpiresAt:      expiresAt,
		OwningInstance: c.instanceID,
	}

	if err := c.storeHandshake(ctx, state); err != nil {
		return MintResult{}, err
	}
	c.trackForRemoteRedemption(token)

	return MintResult{
		Token:        token,
		PublicKeyPEM: state.PublicKeyPEM,
		Nonce:        nonce,
		ExpiresAt:    expiresAt,
	}, nil
}

func (c *Controller) storeHandshake(ctx context.Context, s handshakeState) error {
	if c.coord == nil {
		c.localMu.Lock()
		c.localHandshakes[s.Token] = s
		c.localMu.Unlock()
		return nil
	}

	fields := map[string]string{
		"credential":     s.Credential,
		"destinationUrl": s.DestinationURL,
		"worldName":      s.WorldName,
		"username":       s.Username,
		"publicKeyPem":   s.PublicKeyPEM,
		"privateKeyPem":  s.PrivateKeyPEM,
		"nonce":          s.Nonce,
		"expiresAt":      s.ExpiresAt.Format(time.RFC3339),
		"owningInstance": s.OwningInstance,
	}
	return c.coord.HSet(ctx, store.HandshakeKey(s.Token), fields, handshakeTTL)
}

func (c *Controller) loadHandshake(ctx context.Context, token string) (handshakeState, error) {
	if c.coord == nil {
		c.localMu.Lock()
		s, ok := c.localHandshakes[token]
		c.localMu.Unlock()
		if !ok || time.Now().After(s.ExpiresAt) {
			return handshakeState{}, ErrHandshakeNotFound
		}
		return s, nil
	}

	fields, err := c.coord.HGetAll(ctx, store.HandshakeKey(token))
	if err != nil || len(fields) == 0 {
		return handshakeState{}, ErrHandshakeNotFound
	}
	expiresAt, _ := time.Parse(time.RFC3339, fields["expiresAt"])
	if time.Now().After(expiresAt) {
		return handshakeState{}, ErrHandshakeNotFound
	}
	return handshakeState{
		Token:          token,
		Credential:     fields["credential"],
		DestinationURL: fields["destinationUrl"],
		WorldName:      fields["worldName"],
		Username:       fields["username"],
		PublicKeyPEM:   fields["publicKeyPem"],
		PrivateKeyPEM:  fields["privateKeyPem"],
		Nonce:          fields["nonce"],
		ExpiresAt:      expiresAt,
		OwningInstance: fields["owningInstance"],
	}, nil
}

// deleteHandshake removes the handshake key. Called before redemption
// proceeds, so a second redemption of the same token always fails the
// lookup — the one-shot invariant in the testable properties (§8.6).
func (c *Controller) deleteHandshake(ctx context.Context, token string) {
	if c.coord == nil {
		c.localMu.Lock()
		delete(c.localHandshakes, token)
		c.localMu.Unlock()
		return
	}
	_ = c.coord.Del(ctx, store.HandshakeKey(token))
}

// redemptionPayload is the decrypted JSON object from Step 2.
type redemptionPayload struct {
	Password string `json:"password"`
	Nonce    string `json:"nonce"`
}

// decryptRedemption parses the handshake's stored private key and decrypts
// encryptedPayload (base64 of RSA-OAEP ciphertext) into a redemptionPayload,
// verifying the nonce matches the one minted in Step 1.
func decryptRedemption(state handshakeState, encryptedPayloadB64 string) (redemptionPayload, error) {
	block, _ := pem.Decode([]byte(state.PrivateKeyPEM))
	if block == nil {
		return redemptionPayload{}, errors.New("headless: corrupt private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return redemptionPayload{}, fmt.Errorf("parse private key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedPayloadB64)
	if err != nil {
		return redemptionPayload{}, fmt.Errorf("decode payload: %w", err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return redemptionPayload{}, fmt.Errorf("decrypt payload: %w", err)
	}

	var payload redemptionPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return redemptionPayload{}, fmt.Errorf("%w: %w", errBadPayloadJSON, err)
	}
	if payload.Nonce != state.Nonce {
		return redemptionPayload{}, ErrNonceMismatch
	}
	return payload, nil
}

var errBadPayloadJSON = errors.New("headless: malformed redemption payload")

func encodePublicKey(pub *rsa.PublicKey) string {
	der := x509.MarshalPKCS1PublicKey(pub)
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func encodePrivateKey(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
