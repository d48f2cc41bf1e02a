package node

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// Processing nodes authenticate with "NodeID:Signature", where Signature is
// the Base64 ED25519 signature of NodeID made with the operator's key.
// The server only holds the public half.

// Authenticator verifies node tokens.
type Authenticator struct {
	publicKey ed25519.PublicKey
}

// NewAuthenticator creates an Authenticator from a Base64-encoded public key.
func NewAuthenticator(publicKeyBase64 string) (*Authenticator, error) {
	if publicKeyBase64 == "" {
		return nil, fmt.Errorf("node verify key not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode node verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("node verify key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Authenticator{publicKey: ed25519.PublicKey(raw)}, nil
}

// VerifyAuthToken returns the NodeID carried by a valid token.
func (a *Authenticator) VerifyAuthToken(token string) (string, error) {
	nodeID, sig, ok := splitToken(token)
	if !ok {
		return "", fmt.Errorf("invalid token format: expected 'NodeID:Signature'")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(a.publicKey, []byte(nodeID), sigBytes) {
		return "", fmt.Errorf("signature verification failed for node %q", nodeID)
	}
	return nodeID, nil
}

// IssueToken signs nodeID with the operator key. Used by escrowctl.
func IssueToken(privateKey ed25519.PrivateKey, nodeID string) (string, error) {
	if nodeID == "" || strings.Contains(nodeID, ":") {
		return "", fmt.Errorf("invalid node id %q", nodeID)
	}
	sig := ed25519.Sign(privateKey, []byte(nodeID))
	return nodeID + ":" + base64.StdEncoding.EncodeToString(sig), nil
}

func splitToken(token string) (nodeID, sig string, ok bool) {
	i := strings.LastIndex(token, ":")
	if i < 1 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}
