package domain

import (
	"errors"
	"fmt"
	"strings"
)

type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerSession OwnerKind = "session"
	OwnerGuest   OwnerKind = "guest"
)

var ErrInvalidOwnerKey = errors.New("invalid owner key")

// OwnerKey binds a cart or an order to an account, an anonymous session or a guest email.
type OwnerKey struct {
	Kind OwnerKind
	ID   string
}

func UserOwner(userID string) OwnerKey {
	return OwnerKey{Kind: OwnerUser, ID: userID}
}

func SessionOwner(sessionID string) OwnerKey {
	return OwnerKey{Kind: OwnerSession, ID: sessionID}
}

func GuestOwner(email string) OwnerKey {
	return OwnerKey{Kind: OwnerGuest, ID: strings.ToLower(strings.TrimSpace(email))}
}

func (k OwnerKey) IsZero() bool {
	return k.Kind == "" || strings.TrimSpace(k.ID) == ""
}

// Authenticated reports whether the key belongs to a signed-in account.
func (k OwnerKey) Authenticated() bool {
	return k.Kind == OwnerUser && k.ID != ""
}

func (k OwnerKey) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.Kind) + ":" + k.ID
}

func ParseOwnerKey(s string) (OwnerKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return OwnerKey{}, fmt.Errorf("%w: %q", ErrInvalidOwnerKey, s)
	}
	switch OwnerKind(kind) {
	case OwnerUser, OwnerSession, OwnerGuest:
		return OwnerKey{Kind: OwnerKind(kind), ID: id}, nil
	default:
		return OwnerKey{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOwnerKey, kind)
	}
}

func (k OwnerKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OwnerKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = OwnerKey{}
		return nil
	}
	parsed, err := ParseOwnerKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
