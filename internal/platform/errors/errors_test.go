package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodePartyFull, "party is full")
	if !stderrors.Is(err, New(CodePartyFull, "different message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeNotFound, "party is full")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk unplugged")
	err := Wrap(CodeStoreTransient, "put session", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var domainErr *Error
	if !stderrors.As(wrapped, &domainErr) {
		t.Fatal("expected errors.As to find the domain error")
	}
	if domainErr.Code != CodeStoreTransient {
		t.Fatalf("code = %q, want %q", domainErr.Code, CodeStoreTransient)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeNotFound, codes.NotFound},
		{CodeValidationFailed, codes.InvalidArgument},
		{CodeSessionInvalidTransition, codes.FailedPrecondition},
		{CodeSessionConcurrencyConflict, codes.Aborted},
		{CodePartyFull, codes.FailedPrecondition},
		{CodePartyLeaderRemoval, codes.FailedPrecondition},
		{CodePartyMemberClaimed, codes.AlreadyExists},
		{CodeStoreTransient, codes.Unavailable},
		{CodeStoreTimeout, codes.Unavailable},
		{CodeMissingTransaction, codes.Internal},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("GRPCCode(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	err := WithMetadata(CodePartyFull, "party is full", map[string]string{
		"party_id": "p-1",
		"max_size": "3",
	})

	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.FailedPrecondition)
	}
	if st.Message() != "party is full" {
		t.Fatalf("status message = %q, want %q", st.Message(), "party is full")
	}
	if len(st.Details()) == 0 {
		t.Fatal("expected error details to be attached")
	}
}
