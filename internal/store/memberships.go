package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ehrlich-b/crabcity/internal/capability"
)

func (s *Store) UpsertMembership(st *capability.StateWithContext) error {
	pubText, err := st.PubKey.MarshalText()
	if err != nil {
		return fmt.Errorf("marshal pubkey: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO memberships (pub_key, noun_kind, noun_value, state)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(pub_key) DO UPDATE SET noun_kind = excluded.noun_kind,
		   noun_value = excluded.noun_value, state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		string(pubText), st.Identity.Kind.String(), st.Identity.Value, st.State.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *Store) GetMembershipState(pk capability.PublicKey) (capability.MembershipState, error) {
	pubText, err := pk.MarshalText()
	if err != nil {
		return 0, fmt.Errorf("marshal pubkey: %w", err)
	}
	var state string
	err = s.db.QueryRow(`SELECT state FROM memberships WHERE pub_key = ?`, string(pubText)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get membership: %w", err)
	}
	return parseMembershipState(state)
}

func parseMembershipState(s string) (capability.MembershipState, error) {
	for _, st := range []capability.MembershipState{capability.Invited, capability.Active, capability.Suspended, capability.Removed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown membership state %q", s)
}
