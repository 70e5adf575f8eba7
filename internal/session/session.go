package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carspot-service/internal/domain/car"
)

// Attributes are the optional profile fields the identity provider returns.
type Attributes struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Profile           string `json:"profile,omitempty"`
	Picture           string `json:"picture,omitempty"`
}

type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Attributes
}

// Handle is the name shown next to the user's posts.
func (u User) Handle() string {
	if u.PreferredUsername != "" {
		return u.PreferredUsername
	}
	return u.Username
}

// Provider is the identity provider as seen by one signed-in client.
type Provider interface {
	CurrentUser(ctx context.Context) (User, error)
	FetchUserAttributes(ctx context.Context) (Attributes, error)
}

// Context carries the resolved identity for one workspace. Components read
// the actor from it instead of from process-wide state.
type Context struct {
	mu         sync.RWMutex
	provider   Provider
	user       *User
	resolvedAt time.Time
}

func NewContext(p Provider) *Context {
	return &Context{provider: p}
}

// Current returns the last resolved user.
func (c *Context) Current() (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// ActorID is empty when nobody is signed in.
func (c *Context) ActorID() string {
	u, ok := c.Current()
	if !ok {
		return ""
	}
	return u.UserID
}

func (c *Context) ResolvedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvedAt
}

// Refresh re-resolves the user and attributes from the provider. On failure
// the context is signed out.
func (c *Context) Refresh(ctx context.Context) (User, error) {
	c.mu.RLock()
	p := c.provider
	c.mu.RUnlock()

	if p == nil {
		c.clear()
		return User{}, fmt.Errorf("%w: no identity provider", car.ErrAuthRequired)
	}

	u, err := p.CurrentUser(ctx)
	if err != nil {
		c.clear()
		return User{}, err
	}
	if u.UserID == "" {
		c.clear()
		return User{}, fmt.Errorf("%w: provider returned no user id", car.ErrAuthRequired)
	}
	attrs, err := p.FetchUserAttributes(ctx)
	if err != nil {
		c.clear()
		return User{}, err
	}
	u.Attributes = attrs

	c.mu.Lock()
	c.user = &u
	c.resolvedAt = time.Now()
	c.mu.Unlock()
	return u, nil
}

// Bind swaps the provider, as after a sign-in with fresh credentials, and
// resolves again.
func (c *Context) Bind(ctx context.Context, p Provider) (User, error) {
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// SignOut drops the provider and the resolved user.
func (c *Context) SignOut() {
	c.mu.Lock()
	c.provider = nil
	c.mu.Unlock()
	c.clear()
}

func (c *Context) clear() {
	c.mu.Lock()
	c.user = nil
	c.resolvedAt = time.Time{}
	c.mu.Unlock()
}
