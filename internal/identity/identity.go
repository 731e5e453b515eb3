// Package identity manages the signed-in principal and the upgrade path
// from an anonymous device identity to an authenticated account.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the principal conversations are keyed by.
type Identity struct {
	ID        string
	Email     string
	Anonymous bool
}

var (
	// ErrSignInCancelled means the user abandoned an interactive sign-in.
	// Callers treat it as a no-op, not a failure.
	ErrSignInCancelled = errors.New("sign-in cancelled")

	// ErrCredentialInUse means the credential is already bound to an
	// existing account, so the anonymous identity cannot be upgraded in
	// place.
	ErrCredentialInUse = errors.New("credential already in use by another account")

	// ErrSignInInProgress means another sign-in attempt is still running.
	ErrSignInInProgress = errors.New("sign-in already in progress")
)

// Provider is the authentication backend.
type Provider interface {
	// Current returns the active identity, anonymous until upgraded.
	Current() Identity
	// LinkCredential upgrades the anonymous identity in place, preserving
	// its id. Fails with ErrCredentialInUse when the credential already
	// belongs to an account.
	LinkCredential(ctx context.Context) (Identity, error)
	// SignInWithCredential signs into the account the credential belongs to.
	SignInWithCredential(ctx context.Context) (Identity, error)
	// SignInInteractive prompts the user directly, the fallback when the
	// captured credential cannot be replayed.
	SignInInteractive(ctx context.Context) (Identity, error)
	// SignOut drops back to a fresh anonymous identity.
	SignOut(ctx context.Context) error
}

// DeviceIDSource yields the stable anonymous id for this device.
type DeviceIDSource interface {
	DeviceIdentity() (string, error)
}

// DeviceProvider backs identities with the local device id and an optional
// bearer token issued by the chat service. With no token the identity
// stays anonymous. The token's account necessarily predates this device's
// anonymous id, so linking in place always reports ErrCredentialInUse and
// callers fall through to SignInWithCredential plus history migration.
type DeviceProvider struct {
	source DeviceIDSource
	token  string

	mu      sync.Mutex
	current *Identity
}

// NewDeviceProvider creates a provider. token may be empty.
func NewDeviceProvider(source DeviceIDSource, token string) *DeviceProvider {
	return &DeviceProvider{source: source, token: token}
}

// Current returns the active identity, generating the device identity on
// first use. A source failure yields a throwaway anonymous identity.
func (p *DeviceProvider) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return *p.current
	}

	id, err := p.source.DeviceIdentity()
	if err != nil || id == "" {
		return Identity{Anonymous: true}
	}
	p.current = &Identity{ID: id, Anonymous: true}
	return *p.current
}

// LinkCredential never upgrades in place for device identities.
func (p *DeviceProvider) LinkCredential(ctx context.Context) (Identity, error) {
	if p.token == "" {
		return Identity{}, ErrSignInCancelled
	}
	return Identity{}, ErrCredentialInUse
}

// SignInWithCredential resolves the identity carried by the bearer token.
// The token is decoded, not verified; the chat service verifies it on
// every request.
func (p *DeviceProvider) SignInWithCredential(ctx context.Context) (Identity, error) {
	if p.token == "" {
		return Identity{}, ErrSignInCancelled
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.token, claims); err != nil {
		return Identity{}, fmt.Errorf("failed to decode identity token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.New("identity token has no subject")
	}

	ident := Identity{ID: sub, Anonymous: false}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}

	p.mu.Lock()
	p.current = &ident
	p.mu.Unlock()
	return ident, nil
}

// SignInInteractive has no interactive surface on a device provider.
func (p *DeviceProvider) SignInInteractive(ctx context.Context) (Identity, error) {
	return Identity{}, ErrSignInCancelled
}

// SignOut reverts to the device's anonymous identity.
func (p *DeviceProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	return nil
}
