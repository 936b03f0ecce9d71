package capability

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Link is one entry in an append-only signed delegation chain: a root
// invite grants a capability, and each subsequent link may narrow
// (never widen) that capability when delegating it onward.
type Link struct {
	PrevHash       [32]byte
	TargetInstance PublicKey
	Capability     Capability
	MaxDepth       int
	MaxUses        int
	ExpiresAt      time.Time
	Nonce          [16]byte
	IssuerPubKey   PublicKey
	Signature      Signature
}

// signedPayload is the canonical byte encoding signed (and hashed
// into the next link's PrevHash); it excludes Signature itself.
func (l *Link) signedPayload() []byte {
	var buf []byte
	buf = append(buf, l.PrevHash[:]...)
	buf = append(buf, l.TargetInstance[:]...)
	buf = append(buf, byte(l.Capability))
	depth := make([]byte, 8)
	binary.BigEndian.PutUint64(depth, uint64(l.MaxDepth))
	buf = append(buf, depth...)
	uses := make([]byte, 8)
	binary.BigEndian.PutUint64(uses, uint64(l.MaxUses))
	buf = append(buf, uses...)
	exp := make([]byte, 8)
	if !l.ExpiresAt.IsZero() {
		binary.BigEndian.PutUint64(exp, uint64(l.ExpiresAt.Unix()))
	}
	buf = append(buf, exp...)
	buf = append(buf, l.Nonce[:]...)
	buf = append(buf, l.IssuerPubKey[:]...)
	return buf
}

func (l *Link) hash() [32]byte {
	return blake2b.Sum256(l.signedPayload())
}

// Chain is an ordered root-to-leaf sequence of links.
type Chain struct {
	Links []Link
}

// Leaf returns the chain's terminal link (the effective capability
// holder).
func (c *Chain) Leaf() *Link {
	if len(c.Links) == 0 {
		return nil
	}
	return &c.Links[len(c.Links)-1]
}

// NonceHex renders a link's nonce as the textual key the operator
// store indexes stored invites by.
func (l *Link) NonceHex() string { return hex.EncodeToString(l.Nonce[:]) }

func randomNonce() ([16]byte, error) {
	var n [16]byte
	_, err := rand.Read(n[:])
	return n, err
}

// NewRoot mints a root invite signed by the daemon's own key. PrevHash
// is all zeros by definition — there is no parent to chain from.
func NewRoot(daemon *SigningKey, targetCapability Capability, maxUses, maxDepth int, expiresAt time.Time) (*Chain, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	link := Link{
		TargetInstance: daemon.Public(),
		Capability:     targetCapability,
		MaxDepth:       maxDepth,
		MaxUses:        maxUses,
		ExpiresAt:      expiresAt,
		Nonce:          nonce,
		IssuerPubKey:   daemon.Public(),
	}
	link.Signature = daemon.Sign(link.signedPayload())
	return &Chain{Links: []Link{link}}, nil
}

// ErrInsufficientAccess is returned when a delegation would exceed
// the parent's capability or the chain's depth budget.
var ErrInsufficientAccess = fmt.Errorf("insufficient access")

// Delegate extends chain with a new link signed by delegatorSK,
// narrowing (never widening) the capability. delegatorSK must be the
// holder identified by the parent leaf's TargetInstance.
func Delegate(chain *Chain, delegatorSK *SigningKey, targetInstance PublicKey, capLevel Capability, maxUses int, expiresAt time.Time) (*Chain, error) {
	parent := chain.Leaf()
	if parent == nil {
		return nil, fmt.Errorf("empty chain")
	}
	if capLevel > parent.Capability {
		return nil, ErrInsufficientAccess
	}
	if len(chain.Links) >= chain.Links[0].MaxDepth {
		return nil, ErrInsufficientAccess
	}
	if delegatorSK.Public() != parent.TargetInstance {
		return nil, fmt.Errorf("delegator is not the parent link's holder")
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	link := Link{
		PrevHash:       parent.hash(),
		TargetInstance: targetInstance,
		Capability:     capLevel,
		MaxDepth:       chain.Links[0].MaxDepth,
		MaxUses:        maxUses,
		ExpiresAt:      expiresAt,
		Nonce:          nonce,
		IssuerPubKey:   delegatorSK.Public(),
	}
	link.Signature = delegatorSK.Sign(link.signedPayload())

	next := &Chain{Links: append(append([]Link{}, chain.Links...), link)}
	return next, nil
}

// Claims is the result of a successfully verified chain.
type Claims struct {
	Capability  Capability
	LeafPubKey  PublicKey
	RootPubKey  PublicKey
	ChainLength int
}

// VerifyChain checks every invariant a valid chain must hold: hash
// chaining, narrowing capabilities, signature validity under each
// issuer, root issuer identity, depth budget, and expiry. On success
// it returns the leaf's effective capability.
func VerifyChain(chain *Chain, rootPubKey PublicKey, now time.Time) (*Claims, error) {
	if len(chain.Links) == 0 {
		return nil, fmt.Errorf("empty chain")
	}
	root := chain.Links[0]
	if root.PrevHash != ([32]byte{}) {
		return nil, fmt.Errorf("root link has non-zero prev_hash")
	}
	if root.IssuerPubKey != rootPubKey {
		return nil, fmt.Errorf("root issuer does not match this daemon")
	}
	if len(chain.Links) > root.MaxDepth {
		return nil, fmt.Errorf("chain length %d exceeds max_depth %d", len(chain.Links), root.MaxDepth)
	}

	for i := range chain.Links {
		link := &chain.Links[i]
		if !VerifySignature(link.IssuerPubKey, link.signedPayload(), link.Signature) {
			return nil, fmt.Errorf("link %d: invalid signature", i)
		}
		if !link.ExpiresAt.IsZero() && now.After(link.ExpiresAt) {
			return nil, fmt.Errorf("link %d: expired", i)
		}
		if i == 0 {
			continue
		}
		prev := &chain.Links[i-1]
		if link.PrevHash != prev.hash() {
			return nil, fmt.Errorf("link %d: prev_hash mismatch", i)
		}
		if link.IssuerPubKey != prev.TargetInstance {
			return nil, fmt.Errorf("link %d: issuer is not the prior link's holder", i)
		}
		if link.Capability > prev.Capability {
			return nil, fmt.Errorf("link %d: capability exceeds parent", i)
		}
	}

	leaf := chain.Leaf()
	return &Claims{
		Capability:  leaf.Capability,
		LeafPubKey:  leaf.TargetInstance,
		RootPubKey:  rootPubKey,
		ChainLength: len(chain.Links),
	}, nil
}
