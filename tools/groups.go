package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/groupherald/herald/store"
)

type findGroupArgs struct {
	Name string `json:"name" jsonschema:"required,description=Group name to look up. Partial names match case-insensitively."`
}

type findGroupResult struct {
	Found bool         `json:"found"`
	Group *store.Group `json:"group,omitempty"`
	Note  string       `json:"note,omitempty"`
}

// NewFindGroup returns the read tool that resolves a group by name. A miss is
// a normal result the model can react to, not an error.
func NewFindGroup(dir store.Directory) Tool {
	return NewFuncTool(
		"find_group",
		"Look up a chat group by name and return its id. Use this before fetching or searching messages.",
		SchemaFor(&findGroupArgs{}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in findGroupArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid find_group args: %w", err)
			}
			group, err := dir.FindGroup(ctx, in.Name)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &findGroupResult{
						Found: false,
						Note:  fmt.Sprintf("no group matching %q", in.Name),
					}, nil
				}
				return nil, err
			}
			return &findGroupResult{Found: true, Group: &group}, nil
		},
	)
}
