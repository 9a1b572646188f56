package auth

import (
	"LendLedger/internal/instruction"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnauthenticated: no usable caller identity was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized: the caller may not run this operation on this account.
	ErrUnauthorized = errors.New("unauthorized")
)

// Caller is the authenticated identity submitting an instruction.
// The zero Caller is anonymous.
type Caller struct {
	ID uuid.UUID
}

func (c Caller) IsAnonymous() bool {
	return c.ID == uuid.Nil
}

func (c Caller) String() string {
	if c.IsAnonymous() {
		return "anonymous"
	}
	return c.ID.String()
}

// Guard decides whether caller may run op against account.
// Implementations must not touch the position store.
type Guard interface {
	Authorize(caller Caller, account uuid.UUID, op instruction.Operation) error
}

// Rule is the capability an operation requires.
type Rule uint8

const (
	// RuleDeny rejects every caller.
	RuleDeny Rule = iota
	// RequireOwner admits only the account's own identity.
	RequireOwner
	// RequireParticipant admits any authenticated identity.
	RequireParticipant
)

func (r Rule) String() string {
	switch r {
	case RequireOwner:
		return "owner"
	case RequireParticipant:
		return "participant"
	default:
		return "deny"
	}
}

// DefaultRules: owner-only for everything except Liquidate, which any
// participant may call.
func DefaultRules() map[instruction.Operation]Rule {
	return map[instruction.Operation]Rule{
		instruction.OperationDeposit:   RequireOwner,
		instruction.OperationBorrow:    RequireOwner,
		instruction.OperationRepay:     RequireOwner,
		instruction.OperationWithdraw:  RequireOwner,
		instruction.OperationLiquidate: RequireParticipant,
	}
}

// RuleGuard is a Guard driven by a per-operation rule table.
// Operations missing from the table are denied.
type RuleGuard struct {
	rules map[instruction.Operation]Rule
}

func NewRuleGuard(rules map[instruction.Operation]Rule) *RuleGuard {
	copied := make(map[instruction.Operation]Rule, len(rules))
	for op, r := range rules {
		copied[op] = r
	}
	return &RuleGuard{rules: copied}
}

// NewDefaultGuard returns a RuleGuard over DefaultRules.
func NewDefaultGuard() *RuleGuard {
	return NewRuleGuard(DefaultRules())
}

func (g *RuleGuard) Authorize(caller Caller, account uuid.UUID, op instruction.Operation) error {
	if caller.IsAnonymous() {
		return ErrUnauthenticated
	}

	switch g.rules[op] {
	case RequireParticipant:
		return nil
	case RequireOwner:
		if caller.ID == account {
			return nil
		}
		return fmt.Errorf("%w: %s on account %s requires the owner", ErrUnauthorized, op, account)
	default:
		return fmt.Errorf("%w: %s is not permitted", ErrUnauthorized, op)
	}
}
