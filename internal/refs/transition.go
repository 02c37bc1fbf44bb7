package refs

import "regexp"

// Work item statuses a commit message can request.
const (
	StatusResolved = "Resolved"
	StatusDone     = "Done"
)

var (
	resolveKeyword  = regexp.MustCompile(`(?i)\b(fixes|closes|resolves)\b`)
	completeKeyword = regexp.MustCompile(`(?i)\bcompleted\b`)
)

// Transition returns the status the work items referenced by message should
// move to, and the keyword that asked for it. "fixes", "closes" and
// "resolves" win over "completed". Empty when the message asks for none.
func Transition(message string) (status, keyword string) {
	if m := resolveKeyword.FindString(message); m != "" {
		return StatusResolved, m
	}
	if m := completeKeyword.FindString(message); m != "" {
		return StatusDone, m
	}
	return "", ""
}
