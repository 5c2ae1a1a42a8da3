package platform

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// requestTTL bounds how long a signed outgoing request stays valid.
const requestTTL = 5 * time.Minute

// AuthSelectParams is handed to the auth-method selection widget.
type AuthSelectParams struct {
	Purpose     string `json:"purpose"`
	StartURL    string `json:"start_url"`
	CancelURL   string `json:"cancel_url"`
	DisplayName string `json:"display_name"`
}

// StartRequest asks the identity service to start an authentication whose
// result is posted to AttrURL.
type StartRequest struct {
	Purpose    string `json:"purpose"`
	AuthMethod string `json:"auth_method"`
	CommURL    string `json:"comm_url"`
	AttrURL    string `json:"attr_url,omitempty"`
}

type authSelectClaims struct {
	AuthSelectParams
	jwt.RegisteredClaims
}

type startClaims struct {
	StartRequest
	jwt.RegisteredClaims
}

func requestClaims() jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(requestTTL)),
	}
}

// SignAuthSelectParams signs the widget payload.
func SignAuthSelectParams(p AuthSelectParams, s *Signer) (string, error) {
	return s.Sign(authSelectClaims{AuthSelectParams: p, RegisteredClaims: requestClaims()})
}

// SignStartRequest signs a start request for the identity service.
func SignStartRequest(r StartRequest, s *Signer) (string, error) {
	return s.Sign(startClaims{StartRequest: r, RegisteredClaims: requestClaims()})
}

// VerifyAuthSelectParams is the widget-side counterpart of SignAuthSelectParams.
func VerifyAuthSelectParams(token string, v *Verifier) (AuthSelectParams, error) {
	var claims authSelectClaims
	if err := v.parse(token, &claims); err != nil {
		return AuthSelectParams{}, ErrUnauthorized
	}
	return claims.AuthSelectParams, nil
}

// VerifyStartRequest is the identity-service counterpart of SignStartRequest.
func VerifyStartRequest(token string, v *Verifier) (StartRequest, error) {
	var claims startClaims
	if err := v.parse(token, &claims); err != nil {
		return StartRequest{}, ErrUnauthorized
	}
	return claims.StartRequest, nil
}
