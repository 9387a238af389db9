package llm

import (
	"context"
	"errors"

	"github.com/groupherald/herald/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

// Provider is a chat-style completion endpoint. Generate returns either plain
// assistant text or a set of requested tool calls with arguments.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
