// Package errors provides structured, machine-readable error handling for
// the session coordination core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeStoreTransient Code = "STORE_TRANSIENT"
	CodeStoreTimeout   Code = "STORE_TIMEOUT"

	// Validation errors
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeMissingTransaction Code = "MISSING_TRANSACTION"

	// Session errors
	CodeSessionInvalidTransition   Code = "SESSION_INVALID_TRANSITION"
	CodeSessionConcurrencyConflict Code = "SESSION_CONCURRENCY_CONFLICT"

	// Ledger errors
	CodeLedgerUnknownResource Code = "LEDGER_UNKNOWN_RESOURCE"
	CodeLedgerInvalidAmount   Code = "LEDGER_INVALID_AMOUNT"

	// Party errors
	CodePartyFull          Code = "PARTY_FULL"
	CodePartyNotRecruiting Code = "PARTY_NOT_RECRUITING"
	CodePartyLeaderRemoval Code = "PARTY_LEADER_REMOVAL"
	CodePartyMemberClaimed Code = "PARTY_MEMBER_CLAIMED"
	CodePartyInvalidSize   Code = "PARTY_INVALID_SIZE"
	CodePartyDisbanded     Code = "PARTY_DISBANDED"
	CodePartySessionLinked Code = "PARTY_SESSION_LINKED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidationFailed,
		CodeLedgerUnknownResource,
		CodeLedgerInvalidAmount,
		CodePartyInvalidSize:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow the operation
	case CodeSessionInvalidTransition,
		CodePartyFull,
		CodePartyNotRecruiting,
		CodePartyLeaderRemoval,
		CodePartyDisbanded,
		CodePartySessionLinked:
		return codes.FailedPrecondition

	// AlreadyExists - identity already claimed elsewhere
	case CodePartyMemberClaimed:
		return codes.AlreadyExists

	// Aborted - concurrent writers collided after bounded retries
	case CodeSessionConcurrencyConflict:
		return codes.Aborted

	case CodeNotFound:
		return codes.NotFound

	// Unavailable - transient store pressure, retryable by the caller
	case CodeStoreTransient, CodeStoreTimeout:
		return codes.Unavailable

	case CodeMissingTransaction:
		return codes.Internal

	default:
		return codes.Internal
	}
}
