// Package auth verifies join grants for the live session pipeline.
//
// Authorization issuance lives outside this subsystem: the campaign service
// hands a user a short-lived HMAC-signed grant naming the campaign and the
// role derived from campaign membership. This package only checks that a
// presented grant is valid for the join being attempted.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gmcompanion/livesession/internal/platform/errors"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// Authorizer resolves a (user, campaign, proof) triple to a session role.
type Authorizer interface {
	Authorize(ctx context.Context, campaignID, userID, proof string) (domain.Role, error)
}

// GrantClaims is the JWT payload of a join grant.
type GrantClaims struct {
	CampaignID string `json:"campaign_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// GrantVerifier validates HMAC-signed join grants.
type GrantVerifier struct {
	secret []byte
	clock  func() time.Time
}

// NewGrantVerifier creates a verifier for grants signed with the shared
// HMAC secret.
func NewGrantVerifier(secret []byte, clock func() time.Time) (*GrantVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("join grant secret is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GrantVerifier{secret: secret, clock: clock}, nil
}

// Authorize checks the grant and returns the role it carries. All failures
// map to Unauthorized so callers cannot distinguish forged from expired
// grants.
func (v *GrantVerifier) Authorize(ctx context.Context, campaignID, userID, proof string) (domain.Role, error) {
	if err := ctx.Err(); err != nil {
		return domain.RoleUnspecified, err
	}
	campaignID = strings.TrimSpace(campaignID)
	userID = strings.TrimSpace(userID)
	if campaignID == "" || userID == "" || strings.TrimSpace(proof) == "" {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join grant is missing")
	}

	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.RoleUnspecified, errors.Wrap(errors.CodeUnauthorized, "join grant is invalid", err)
	}
	if !token.Valid {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join grant is invalid")
	}
	if claims.Subject != userID {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join grant subject mismatch")
	}
	if claims.CampaignID != campaignID {
		return domain.RoleUnspecified, errors.New(errors.CodeUnauthorized, "join grant campaign mismatch")
	}

	role, roleErr := domain.ParseRole(claims.Role)
	if roleErr != nil {
		return domain.RoleUnspecified, errors.Wrap(errors.CodeUnauthorized, "join grant role is invalid", roleErr)
	}
	return role, nil
}

// SignGrant issues a grant token. Production issuance belongs to the
// campaign service; this lives here for tooling and tests.
func SignGrant(secret []byte, campaignID, userID string, role domain.Role, ttl time.Duration, clock func() time.Time) (string, error) {
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	claims := GrantClaims{
		CampaignID: campaignID,
		Role:       role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign join grant: %w", err)
	}
	return signed, nil
}

var _ Authorizer = (*GrantVerifier)(nil)
