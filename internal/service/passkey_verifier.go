package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"auth-engine/internal/model"
)

// StubPasskeyVerifier fills the PasskeyVerifier seam in development and
// tests. It runs the ceremony shape without real attestation: responses
// are JSON documents echoing the nonce and naming a credential. Real
// deployments plug a go-webauthn backed implementation into the same
// interface.
type StubPasskeyVerifier struct{}

func NewStubPasskeyVerifier() *StubPasskeyVerifier {
	return &StubPasskeyVerifier{}
}

type stubRegistrationResponse struct {
	CredentialID []byte   `json:"credential_id"`
	PublicKey    []byte   `json:"public_key"`
	Transports   []string `json:"transports"`
}

type stubAssertionResponse struct {
	Nonce        string `json:"nonce"`
	CredentialID []byte `json:"credential_id"`
	SignCount    uint32 `json:"sign_count"`
}

func (v *StubPasskeyVerifier) GenerateRegistrationOptions(ctx context.Context, accountID string) ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"challenge": nonce,
		"user_id":   accountID,
	})
}

func (v *StubPasskeyVerifier) VerifyRegistration(ctx context.Context, accountID string, response []byte) (*model.PasskeyCredential, error) {
	var reg stubRegistrationResponse
	if err := json.Unmarshal(response, &reg); err != nil {
		return nil, fmt.Errorf("malformed registration response: %w", err)
	}
	if len(reg.CredentialID) == 0 || len(reg.PublicKey) == 0 {
		return nil, fmt.Errorf("registration response missing credential material")
	}
	return &model.PasskeyCredential{
		AccountID:    accountID,
		CredentialID: reg.CredentialID,
		PublicKey:    reg.PublicKey,
		Transports:   reg.Transports,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (v *StubPasskeyVerifier) GenerateAuthenticationOptions(ctx context.Context, accountID string, credentials []*model.PasskeyCredential) (string, []byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", nil, err
	}

	allowed := make([][]byte, 0, len(credentials))
	for _, c := range credentials {
		allowed = append(allowed, c.CredentialID)
	}
	options, err := json.Marshal(map[string]interface{}{
		"challenge":         nonce,
		"allow_credentials": allowed,
	})
	if err != nil {
		return "", nil, err
	}
	return nonce, options, nil
}

func (v *StubPasskeyVerifier) VerifyAuthentication(ctx context.Context, accountID, nonce string, credentials []*model.PasskeyCredential, response []byte) (bool, []byte, uint32, error) {
	var assertion stubAssertionResponse
	if err := json.Unmarshal(response, &assertion); err != nil {
		return false, nil, 0, fmt.Errorf("malformed assertion response: %w", err)
	}
	if assertion.Nonce != nonce {
		return false, nil, 0, nil
	}
	for _, c := range credentials {
		if bytes.Equal(c.CredentialID, assertion.CredentialID) {
			// Regressing sign count signals a cloned authenticator.
			if assertion.SignCount <= c.SignCount && c.SignCount > 0 {
				return false, nil, 0, nil
			}
			return true, c.CredentialID, assertion.SignCount, nil
		}
	}
	return false, nil, 0, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
