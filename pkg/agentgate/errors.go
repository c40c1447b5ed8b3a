package agentgate

import "github.com/agent-gate/agentgate/pkg/rpc"

// Error is a failure reported by the gateway that has no more specific type.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

// DeniedError means the policy or the guardian refused the tool call.
type DeniedError struct {
	Code    int
	Message string
}

func (e *DeniedError) Error() string { return e.Message }

// ByUser reports whether the guardian, rather than static policy, denied the
// call.
func (e *DeniedError) ByUser() bool { return e.Code == rpc.CodeDeniedByUser }

// TimeoutError means no guardian decision arrived before the deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// ConnError means the gateway connection failed and could not be
// reestablished.
type ConnError struct {
	Message string
}

func (e *ConnError) Error() string { return e.Message }

func errorFromCode(code int, message string) error {
	switch code {
	case rpc.CodeDeniedByUser, rpc.CodePolicyDenied:
		return &DeniedError{Code: code, Message: message}
	case rpc.CodeApprovalTimeout:
		return &TimeoutError{Message: message}
	}
	return &Error{Code: code, Message: message}
}
