package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/crabcity/internal/capability"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("not found")

// Invite is the stored-invite row: the invite's own bookkeeping plus
// the signed chain blob redemption verifies against.
type Invite struct {
	Nonce      string
	Issuer     capability.PublicKey
	Capability capability.Capability
	MaxUses    int
	UseCount   int
	ExpiresAt  *time.Time
	Chain      *capability.Chain
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// Valid reports whether the invite can still be redeemed: not
// revoked, under its use budget (0 = unlimited), and not expired.
func (i *Invite) Valid(now time.Time) bool {
	if i.RevokedAt != nil {
		return false
	}
	if i.MaxUses != 0 && i.UseCount >= i.MaxUses {
		return false
	}
	if i.ExpiresAt != nil && now.After(*i.ExpiresAt) {
		return false
	}
	return true
}

func (s *Store) StoreInvite(inv *Invite) error {
	chainBlob, err := json.Marshal(inv.Chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	issuer, err := inv.Issuer.MarshalText()
	if err != nil {
		return fmt.Errorf("marshal issuer: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO invites (nonce, issuer, capability, max_uses, use_count, expires_at, chain_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.Nonce, string(issuer), inv.Capability.String(), inv.MaxUses, inv.UseCount, nullTime(inv.ExpiresAt), chainBlob,
	)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *Store) GetInvite(nonce string) (*Invite, error) {
	row := s.db.QueryRow(
		`SELECT nonce, issuer, capability, max_uses, use_count, expires_at, chain_blob, created_at, revoked_at
		 FROM invites WHERE nonce = ?`, nonce)
	inv, err := scanInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (s *Store) IncrementUseCount(nonce string) error {
	res, err := s.db.Exec(`UPDATE invites SET use_count = use_count + 1 WHERE nonce = ?`, nonce)
	if err != nil {
		return fmt.Errorf("increment use_count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RevokeInvite(nonce string) error {
	res, err := s.db.Exec(`UPDATE invites SET revoked_at = CURRENT_TIMESTAMP WHERE nonce = ? AND revoked_at IS NULL`, nonce)
	if err != nil {
		return fmt.Errorf("revoke invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveInvites() ([]*Invite, error) {
	rows, err := s.db.Query(
		`SELECT nonce, issuer, capability, max_uses, use_count, expires_at, chain_blob, created_at, revoked_at
		 FROM invites WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active invites: %w", err)
	}
	defer rows.Close()

	var out []*Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvite(row scanner) (*Invite, error) {
	var (
		nonce, issuerText, capText string
		maxUses, useCount          int
		expiresAt, revokedAt       sql.NullTime
		chainBlob                  []byte
		createdAt                  time.Time
	)
	if err := row.Scan(&nonce, &issuerText, &capText, &maxUses, &useCount, &expiresAt, &chainBlob, &createdAt, &revokedAt); err != nil {
		return nil, err
	}

	var issuer capability.PublicKey
	if err := issuer.UnmarshalText([]byte(issuerText)); err != nil {
		return nil, fmt.Errorf("unmarshal issuer: %w", err)
	}

	cap, err := parseCapability(capText)
	if err != nil {
		return nil, err
	}

	var chain capability.Chain
	if err := json.Unmarshal(chainBlob, &chain); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}

	inv := &Invite{
		Nonce: nonce, Issuer: issuer, Capability: cap,
		MaxUses: maxUses, UseCount: useCount, Chain: &chain, CreatedAt: createdAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		inv.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		inv.RevokedAt = &t
	}
	return inv, nil
}

func parseCapability(s string) (capability.Capability, error) {
	switch s {
	case capability.View.String():
		return capability.View, nil
	case capability.Collaborate.String():
		return capability.Collaborate, nil
	case capability.Admin.String():
		return capability.Admin, nil
	case capability.Owner.String():
		return capability.Owner, nil
	default:
		return 0, fmt.Errorf("unknown capability %q", s)
	}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
