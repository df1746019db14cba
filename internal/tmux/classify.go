package tmux

import (
	"regexp"
	"strings"
	"unicode"
)

// State is the classification of one pane capture.
type State string

// Pane states, in classification priority order.
const (
	StateCompleted  State = "completed"
	StateQuestion   State = "asking_question"
	StatePermission State = "requesting_permission"
	StateErrored    State = "errored"
	StateStalled    State = "stalled"
	StateRunning    State = "running"
)

// DefaultStallThreshold is how many consecutive identical captures count
// as a stall.
const DefaultStallThreshold = 4

const tailWindow = 15

var (
	optionLinePattern  = regexp.MustCompile(`^\s*\d+[.)]`)
	optionParsePattern = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)
	promptSentinels    = []string{"# ", "% ", "❯ "}
)

// classify runs the detection pipeline on a capture. stalled reports
// whether the stall counter has hit its threshold; it is only consulted
// after the content-based checks.
func classify(capture string, stalled bool) State {
	lines := strings.Split(capture, "\n")
	tail := lastLines(lines, tailWindow)

	if isCompleted(lines) {
		return StateCompleted
	}
	if isQuestion(tail) {
		return StateQuestion
	}
	if isPermission(tail) {
		return StatePermission
	}
	if isErrored(tail) {
		return StateErrored
	}
	if stalled {
		return StateStalled
	}
	return StateRunning
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// isCompleted checks the last non-empty line for a shell prompt sentinel.
func isCompleted(lines []string) bool {
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = lines[i]
			break
		}
	}
	if last == "" {
		return false
	}

	for _, sentinel := range promptSentinels {
		if strings.HasSuffix(last, sentinel) {
			return true
		}
	}
	// The dollar sentinel must not match amounts like "$0.05": the rune
	// before the dollar sign must not be a digit, and nothing may follow
	// the single trailing space.
	if strings.HasSuffix(last, "$ ") {
		runes := []rune(strings.TrimSuffix(last, "$ "))
		if len(runes) == 0 || !unicode.IsDigit(runes[len(runes)-1]) {
			return true
		}
	}
	return false
}

func isQuestion(tail []string) bool {
	hasMark := false
	numbered := 0
	for _, line := range tail {
		if strings.Contains(line, "?") {
			hasMark = true
		}
		if optionLinePattern.MatchString(line) {
			numbered++
		}
	}
	return hasMark && numbered >= 2
}

func isPermission(tail []string) bool {
	joined := strings.Join(tail, "\n")
	if !strings.Contains(joined, "Allow") && !strings.Contains(joined, "Deny") {
		return false
	}
	return strings.Contains(joined, "Do you want") || strings.Contains(joined, "Would you like")
}

func isErrored(tail []string) bool {
	joined := strings.Join(tail, "\n")
	return strings.Contains(joined, "Error:") ||
		strings.Contains(joined, "FAILED") ||
		strings.Contains(joined, "Traceback")
}

// parsedQuestion is a question with numbered options lifted from a pane.
type parsedQuestion struct {
	Text    string
	Options []string
}

// parseQuestion extracts the first question line and up to four numbered
// options. Returns nil when either part is missing.
func parseQuestion(capture string) *parsedQuestion {
	lines := strings.Split(capture, "\n")

	questionIdx := -1
	for i, line := range lines {
		if strings.Contains(line, "?") {
			questionIdx = i
			break
		}
	}
	if questionIdx == -1 {
		return nil
	}

	q := &parsedQuestion{Text: strings.TrimSpace(lines[questionIdx])}
	for _, line := range lines[questionIdx+1:] {
		match := optionParsePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		q.Options = append(q.Options, strings.TrimSpace(match[2]))
		if len(q.Options) == 4 {
			break
		}
	}
	if len(q.Options) == 0 {
		return nil
	}
	return q
}
