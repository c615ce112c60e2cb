package agentclient

import (
	"errors"
	"strings"
)

// JSON-RPC error codes for tool-protocol bridges fronting the gateway. They
// sit in the implementation-defined server range so protocol-level errors
// stay distinct from standard parse/invalid-request codes.
const (
	CodeApprovalRequired = -32001
	CodeAccessDenied     = -32002
	CodeTokenInvalid     = -32003
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ToRPCError maps a gateway decision error to the JSON-RPC error a
// stdio/HTTP tool bridge should emit. Approval requirements carry the
// approval_request_id in the data field so interactive callers can resume;
// token problems map to TOKEN_INVALID so the caller knows re-approval, not
// retry, is needed. Anything unrecognized returns nil.
func ToRPCError(err error) *RPCError {
	var need *ApprovalRequiredError
	if errors.As(err, &need) {
		return &RPCError{
			Code:    CodeApprovalRequired,
			Message: "APPROVAL_REQUIRED: " + need.Reason,
			Data: map[string]any{
				"approval_request_id": need.ApprovalRequestID,
				"request_id":          need.RequestID,
			},
		}
	}

	var denied *DeniedError
	if errors.As(err, &denied) {
		code := CodeAccessDenied
		msg := "ACCESS_DENIED: " + denied.Reason
		if strings.Contains(denied.Reason, "token") || strings.Contains(denied.Reason, "Token") {
			code = CodeTokenInvalid
			msg = "TOKEN_INVALID: " + denied.Reason
		}
		return &RPCError{
			Code:    code,
			Message: msg,
			Data:    map[string]any{"request_id": denied.RequestID},
		}
	}

	return nil
}
