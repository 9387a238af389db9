package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/groupherald/herald/authz"
	"github.com/groupherald/herald/delivery"
)

type sendMessageArgs struct {
	Destination string `json:"destination" jsonschema:"required,description=Named destination to deliver to."`
	Text        string `json:"text" jsonschema:"required,description=Message text to send."`
}

type sendMessageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewSendMessage returns the write tool that pushes a message to a named
// destination. The invocation is gated on the originating group being on the
// management allow-list; a denial is reported to the model as a result, not
// an error, so the run can continue with read-only work.
func NewSendMessage(sink delivery.Sink, auth authz.Authorizer) Tool {
	return NewFuncTool(
		"send_message",
		"Send a message to a named destination. Only runs originating from a management group may use this.",
		SchemaFor(&sendMessageArgs{}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in sendMessageArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid send_message args: %w", err)
			}
			if strings.TrimSpace(in.Text) == "" {
				return &sendMessageResult{Success: false, Error: "message text is empty"}, nil
			}

			origin := OriginFromContext(ctx)
			if auth == nil || !auth.IsManagement(ctx, origin) {
				return &sendMessageResult{
					Success: false,
					Error:   fmt.Sprintf("group %q is not authorized for send_message", origin),
				}, nil
			}

			if sink == nil {
				return nil, fmt.Errorf("delivery sink is not configured")
			}
			if err := sink.Send(ctx, in.Destination, in.Text); err != nil {
				return &sendMessageResult{Success: false, Error: err.Error()}, nil
			}
			return &sendMessageResult{Success: true}, nil
		},
	)
}
