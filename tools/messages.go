package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groupherald/herald/store"
)

const (
	defaultFetchHours   = 24
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

type fetchMessagesArgs struct {
	Group string `json:"group" jsonschema:"required,description=Name of the group to read messages from."`
	Hours int    `json:"hours,omitempty" jsonschema:"description=How far back to look in hours (default 24)."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of messages to return (default 100)."`
}

type searchMessagesArgs struct {
	Query string `json:"query" jsonschema:"required,description=Text to search for in archived messages."`
	Group string `json:"group,omitempty" jsonschema:"description=Restrict the search to one group by name."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of matches to return (default 100)."`
}

type messageList struct {
	Group    string              `json:"group,omitempty"`
	Count    int                 `json:"count"`
	Messages []store.ChatMessage `json:"messages"`
	Note     string              `json:"note,omitempty"`
}

// NewFetchRecentMessages returns the read tool that lists a group's recent
// messages, newest first.
func NewFetchRecentMessages(dir store.Directory, archive store.Archive) Tool {
	return NewFuncTool(
		"fetch_recent_messages",
		"Fetch the most recent messages from a group within a time window, newest first.",
		SchemaFor(&fetchMessagesArgs{}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in fetchMessagesArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid fetch_recent_messages args: %w", err)
			}
			group, err := dir.FindGroup(ctx, in.Group)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &messageList{Note: fmt.Sprintf("no group matching %q", in.Group)}, nil
				}
				return nil, err
			}

			hours := in.Hours
			if hours <= 0 {
				hours = defaultFetchHours
			}
			since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

			msgs, err := archive.ListMessages(ctx, store.ArchiveQuery{
				GroupID: group.ID,
				Since:   &since,
				Limit:   clampLimit(in.Limit),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to list messages: %w", err)
			}
			return &messageList{Group: group.Name, Count: len(msgs), Messages: msgs}, nil
		},
	)
}

// NewSearchMessages returns the read tool that text-searches the archive,
// optionally scoped to one group.
func NewSearchMessages(dir store.Directory, archive store.Archive) Tool {
	return NewFuncTool(
		"search_messages",
		"Search archived messages by text, optionally within one group. Returns matches newest first.",
		SchemaFor(&searchMessagesArgs{}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in searchMessagesArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid search_messages args: %w", err)
			}

			query := store.ArchiveQuery{
				Text:  in.Query,
				Limit: clampLimit(in.Limit),
			}
			groupName := ""
			if in.Group != "" {
				group, err := dir.FindGroup(ctx, in.Group)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return &messageList{Note: fmt.Sprintf("no group matching %q", in.Group)}, nil
					}
					return nil, err
				}
				query.GroupID = group.ID
				groupName = group.Name
			}

			msgs, err := archive.ListMessages(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("failed to search messages: %w", err)
			}
			return &messageList{Group: groupName, Count: len(msgs), Messages: msgs}, nil
		},
	)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultMessageLimit
	}
	if limit > maxMessageLimit {
		return maxMessageLimit
	}
	return limit
}
