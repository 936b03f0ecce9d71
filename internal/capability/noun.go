package capability

import (
	"fmt"
	"regexp"
	"strings"
)

// NounKind identifies which human-readable identity reference a Noun
// carries.
type NounKind int

const (
	NounHandle NounKind = iota
	NounGitHub
	NounGoogle
	NounEmail
)

func (k NounKind) String() string {
	switch k {
	case NounHandle:
		return "handle"
	case NounGitHub:
		return "github"
	case NounGoogle:
		return "google"
	case NounEmail:
		return "email"
	default:
		return "unknown"
	}
}

// Noun is a human-readable identity reference recorded alongside a
// membership row for display purposes only — it never participates
// in the capability algebra or signature verification.
type Noun struct {
	Kind  NounKind
	Value string
}

var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,38}$`)

// NewHandle validates and constructs a Handle noun: lowercase
// alphanumeric plus hyphen, 1-39 characters.
func NewHandle(handle string) (Noun, error) {
	if !handlePattern.MatchString(handle) {
		return Noun{}, fmt.Errorf("invalid handle %q", handle)
	}
	return Noun{Kind: NounHandle, Value: handle}, nil
}

// NewEmail validates and constructs an Email noun: exactly one '@'.
func NewEmail(email string) (Noun, error) {
	if strings.Count(email, "@") != 1 || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return Noun{}, fmt.Errorf("invalid email %q", email)
	}
	return Noun{Kind: NounEmail, Value: email}, nil
}

func NewGitHub(login string) Noun { return Noun{Kind: NounGitHub, Value: login} }
func NewGoogle(login string) Noun { return Noun{Kind: NounGoogle, Value: login} }

func (n Noun) String() string {
	switch n.Kind {
	case NounHandle:
		return "@" + n.Value
	case NounGitHub:
		return "github:" + n.Value
	case NounGoogle:
		return "google:" + n.Value
	case NounEmail:
		return n.Value
	default:
		return n.Value
	}
}
