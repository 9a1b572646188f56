package ingestion

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/core"
	"LendLedger/internal/instruction"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrInvalidSubject is returned for messages outside lending.instructions.<account_id>.
var ErrInvalidSubject = fmt.Errorf("%w: invalid subject", instruction.ErrMalformedInstruction)

// requestIDNamespace derives stable request ids from producer message ids
// that are not UUIDs.
var requestIDNamespace = uuid.MustParse("5c0c4f43-8a9e-4d55-9d0b-6a4f6f1f7e21")

// ParseMessage turns a raw instruction message into a processor request.
// The payload is left encoded; decoding happens in the processor so that
// malformed payloads are counted with the other rejections.
func ParseMessage(raw RawMessage, verifier *auth.TokenVerifier) (core.Request, error) {
	account, err := AccountFromSubject(raw.Subject)
	if err != nil {
		return core.Request{}, err
	}

	if verifier == nil {
		return core.Request{}, errors.New("no token verifier configured")
	}
	caller, err := verifier.VerifyHeader(raw.Header.Get(HeaderAuthorization))
	if err != nil {
		return core.Request{}, err
	}

	return core.Request{
		RequestID: RequestIDFromHeader(raw.Header),
		Caller:    caller,
		Account:   account,
		Payload:   raw.Data,
	}, nil
}

// AccountFromSubject extracts the account id from lending.instructions.<account_id>.
func AccountFromSubject(subject string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(subject, InstructionSubjectPrefix)
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	account, err := uuid.Parse(rest)
	if err != nil || account == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not an account id", ErrInvalidSubject, rest)
	}
	return account, nil
}

// RequestIDFromHeader reads Lend-Request-Id, falling back to Nats-Msg-Id.
// Non-UUID ids are hashed into a name-based UUID. Returns uuid.Nil when
// neither header is set.
func RequestIDFromHeader(h nats.Header) uuid.UUID {
	id := strings.TrimSpace(h.Get(HeaderRequestID))
	if id == "" {
		id = strings.TrimSpace(h.Get(nats.MsgIdHdr))
	}
	if id == "" {
		return uuid.Nil
	}
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.NewSHA1(requestIDNamespace, []byte(id))
}
