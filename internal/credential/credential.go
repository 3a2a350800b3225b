// Package credential supplies portal login credentials per target.
package credential

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap/zapcore"
)

// ErrNotFound is returned when no credentials are configured for a target.
var ErrNotFound = eris.New("credential: not found")

const redacted = "[REDACTED]"

// Credentials are opaque portal login details. They marshal to JSON in full
// for the automation payload but never print their secrets.
type Credentials struct {
	Username string            `json:"username" mapstructure:"username"`
	Password string            `json:"password" mapstructure:"password"`
	Extra    map[string]string `json:"extra,omitempty" mapstructure:"extra"`
}

func (c Credentials) String() string {
	return fmt.Sprintf("username=%s password=%s extra=%d", c.Username, mask(c.Password), len(c.Extra))
}

// GoString covers %#v.
func (c Credentials) GoString() string {
	return "credential.Credentials{" + c.String() + "}"
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddString("password", mask(c.Password))
	enc.AddInt("extra_keys", len(c.Extra))
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// Store looks up credentials for a target portal.
type Store interface {
	Credentials(ctx context.Context, targetID string) (Credentials, error)
}

// StaticStore serves credentials from configuration.
type StaticStore struct {
	byTarget map[string]Credentials
}

// NewStatic returns a store over a target ID → credentials map.
func NewStatic(byTarget map[string]Credentials) *StaticStore {
	m := make(map[string]Credentials, len(byTarget))
	for k, v := range byTarget {
		m[k] = v
	}
	return &StaticStore{byTarget: m}
}

func (s *StaticStore) Credentials(_ context.Context, targetID string) (Credentials, error) {
	c, ok := s.byTarget[targetID]
	if !ok {
		return Credentials{}, eris.Wrapf(ErrNotFound, "target %s", targetID)
	}
	return c, nil
}
