package runner

import (
	"fmt"
	"strings"

	"github.com/groupherald/herald/store"
)

// Instruction templates keyed by a task's action type. A task with literal
// instruction text bypasses these entirely.
const (
	ActionDailySummary   = "daily_summary"
	ActionLatestMessages = "latest_messages"
)

// buildInstruction produces the model instruction for a task: the literal
// text when present, otherwise a template keyed by action type interpolated
// with the task's subject groups.
func buildInstruction(task store.Task) (string, error) {
	if text := strings.TrimSpace(task.Instruction); text != "" {
		return text, nil
	}

	groups := joinGroups(task.Groups)
	switch task.ActionType {
	case ActionDailySummary:
		return fmt.Sprintf(
			"Write a digest of the last 24 hours of discussion in %s. "+
				"Use the available tools to fetch the messages, then summarize the main topics, "+
				"decisions, and open questions in a few short paragraphs.",
			groups,
		), nil
	case ActionLatestMessages:
		return fmt.Sprintf(
			"Fetch the most recent messages from %s and report the latest activity: "+
				"who is discussing what right now, in a compact bullet list.",
			groups,
		), nil
	case "":
		return "", fmt.Errorf("task %q has neither instruction text nor an action type", task.ID)
	default:
		return "", fmt.Errorf("task %q has unknown action type %q", task.ID, task.ActionType)
	}
}

func joinGroups(groups []string) string {
	named := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		named = append(named, fmt.Sprintf("the group %q", g))
	}
	switch len(named) {
	case 0:
		return "the configured groups"
	case 1:
		return named[0]
	default:
		return strings.Join(named[:len(named)-1], ", ") + " and " + named[len(named)-1]
	}
}
