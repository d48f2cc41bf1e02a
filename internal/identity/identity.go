package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lizcirble/shakabackend/internal/apperr"
)

// Identity is a verified external user.
type Identity struct {
	ExternalID string   `json:"external_id"`
	Email      string   `json:"email,omitempty"`
	Addresses  []string `json:"addresses"` // linked payment addresses, primary first
}

// PrimaryAddress returns the first linked address, or "".
func (i *Identity) PrimaryAddress() string {
	if len(i.Addresses) == 0 {
		return ""
	}
	return i.Addresses[0]
}

// Verifier exchanges an access token for a verified identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

const privyIssuer = "privy.io"

// PrivyConfig configures the Privy verifier.
type PrivyConfig struct {
	AppID           string
	AppSecret       string
	VerificationKey string // PEM, ES256
	APIURL          string
	HTTPClient      *http.Client
}

// PrivyVerifier checks Privy access tokens locally and fetches the user's
// linked wallets from the Privy REST API.
type PrivyVerifier struct {
	appID     string
	appSecret string
	apiURL    string
	key       *ecdsa.PublicKey
	client    *http.Client
	parser    *jwt.Parser
}

var _ Verifier = (*PrivyVerifier)(nil)

// NewPrivyVerifier parses the verification key.
func NewPrivyVerifier(cfg PrivyConfig) (*PrivyVerifier, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("privy app id not configured")
	}
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.VerificationKey))
	if err != nil {
		return nil, fmt.Errorf("parse privy verification key: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PrivyVerifier{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		key:       key,
		client:    client,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithIssuer(privyIssuer),
			jwt.WithAudience(cfg.AppID),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify validates the token signature and claims, then loads linked wallets.
func (v *PrivyVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	const op = "identity.Verify"

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, apperr.Forbidden(op, "invalid access token: %v", err)
	}
	if claims.Subject == "" {
		return nil, apperr.Forbidden(op, "access token has no subject")
	}

	user, err := v.fetchUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return user.identity(), nil
}

type privyLinkedAccount struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
}

type privyUser struct {
	ID             string               `json:"id"`
	LinkedAccounts []privyLinkedAccount `json:"linked_accounts"`
}

func (u *privyUser) identity() *Identity {
	id := &Identity{ExternalID: u.ID}
	for _, acc := range u.LinkedAccounts {
		switch {
		case acc.Type == "email":
			id.Email = acc.Address
		case acc.Type == "wallet" && (acc.ChainType == "" || acc.ChainType == "ethereum"):
			id.Addresses = append(id.Addresses, acc.Address)
		}
	}
	return id
}

func (v *PrivyVerifier) fetchUser(ctx context.Context, did string) (*privyUser, error) {
	const op = "identity.fetchUser"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.apiURL+"/api/v1/users/"+url.PathEscape(did), nil)
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	req.SetBasicAuth(v.appID, v.appSecret)
	req.Header.Set("privy-app-id", v.appID)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.Forbidden(op, "identity %s no longer exists", did)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.Dependency(op, fmt.Errorf("identity provider returned %s", resp.Status))
	}

	var u privyUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, apperr.Dependency(op, fmt.Errorf("decode user: %w", err))
	}
	if u.ID == "" {
		return nil, apperr.Dependency(op, errors.New("identity provider returned an empty user"))
	}
	return &u, nil
}
