// Package auth identifies the temple operators who submit and watch batches.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DefaultAdminRole is used when no admin role is configured
const DefaultAdminRole = "seva-admin"

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Operator is the person behind an API request. Admins see every batch;
// everyone else only the batches they submitted.
type Operator struct {
	ID    string
	Email string
	Name  string
	Roles []string
	Admin bool
}

// CanAccess reports whether the operator may read or cancel a batch
// submitted by submittedBy
func (o *Operator) CanAccess(submittedBy string) bool {
	if o == nil {
		return false
	}
	return o.Admin || (o.ID != "" && o.ID == submittedBy)
}

func (o *Operator) HasRole(role string) bool {
	return role != "" && slices.Contains(o.Roles, role)
}

// ParseRoles splits a comma separated role list, as forwarded by the gateway
func ParseRoles(value string) []string {
	var roles []string
	for _, r := range strings.Split(value, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// BearerToken extracts the token from an Authorization header
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrMissingToken)
	}
	return strings.TrimSpace(token), nil
}

// Authenticator resolves bearer tokens to operators. OIDC tokens are tried
// first, then tokens signed with the shared secret.
type Authenticator struct {
	verifier  TokenVerifier
	secret    string
	adminRole string
}

// NewAuthenticator accepts a nil verifier or an empty secret, but not both
func NewAuthenticator(verifier TokenVerifier, secret, adminRole string) *Authenticator {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	return &Authenticator{verifier: verifier, secret: secret, adminRole: adminRole}
}

// AdminRole is the role that grants access to every batch
func (a *Authenticator) AdminRole() string {
	return a.adminRole
}

// Authenticate validates the Authorization header value
func (a *Authenticator) Authenticate(header string) (*Operator, error) {
	token, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	if a.verifier == nil && a.secret == "" {
		return nil, ErrNotConfigured
	}

	var op *Operator
	if a.verifier != nil {
		op, err = a.verifier.Verify(token)
	}
	if (a.verifier == nil || err != nil) && a.secret != "" {
		op, err = ValidateOperatorToken(token, a.secret)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	op.Admin = op.HasRole(a.adminRole)
	return op, nil
}
