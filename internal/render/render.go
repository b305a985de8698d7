package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/frago-dev/agentwatch/internal/index"
)

const (
	colorReset   = "\033[0m"
	colorUser    = "\033[1;34m" // bold blue
	colorAssist  = "\033[1;32m" // bold green
	colorTool    = "\033[1;36m" // bold cyan for tool calls
	colorDim     = "\033[2m"
	colorHit     = "\033[43m"   // yellow background
	colorBoldRed = "\033[1;31m" // bold red for keyword highlights
	colorErr     = "\033[1;31m"
)

type Options struct {
	HitStepNum int
	Context    int    // steps before/after hit to show
	Width      int    // wrap width (0 = no wrap)
	Query      string // search query for keyword highlighting
}

// fts5Operators are FTS5 operators that should not be highlighted as keywords.
var fts5Operators = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NEAR": true,
	"and": true, "or": true, "not": true, "near": true,
}

// highlightKeywords wraps case-insensitive matches of query terms in bold red ANSI codes.
func highlightKeywords(text, query string) string {
	if query == "" {
		return text
	}
	terms := strings.Fields(query)
	var filtered []string
	for _, t := range terms {
		if !fts5Operators[t] {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return text
	}
	for _, term := range filtered {
		lower := strings.ToLower(term)
		i := 0
		for i < len(text) {
			idx := strings.Index(strings.ToLower(text[i:]), lower)
			if idx < 0 {
				break
			}
			pos := i + idx
			orig := text[pos : pos+len(term)]
			replacement := colorBoldRed + orig + colorReset
			text = text[:pos] + replacement + text[pos+len(term):]
			i = pos + len(replacement)
		}
	}
	return text
}

// indentLines prepends each line of text with the given prefix.
func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// wrapLine breaks a single line into multiple lines that fit within maxWidth
// visible columns, correctly skipping ANSI escape sequences when measuring width.
func wrapLine(line string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{line}
	}

	var result []string
	var cur strings.Builder
	visW := 0

	i := 0
	for i < len(line) {
		// check for ANSI escape sequence: ESC[ ... m
		if i+1 < len(line) && line[i] == '\033' && line[i+1] == '[' {
			j := i + 2
			for j < len(line) && line[j] != 'm' {
				j++
			}
			if j < len(line) {
				j++ // include 'm'
			}
			cur.WriteString(line[i:j])
			i = j
			continue
		}

		r, size := utf8.DecodeRuneInString(line[i:])
		rw := runewidth.RuneWidth(r)

		if visW+rw > maxWidth {
			result = append(result, cur.String())
			cur.Reset()
			visW = 0
		}

		cur.WriteRune(r)
		visW += rw
		i += size
	}

	if cur.Len() > 0 {
		result = append(result, cur.String())
	}

	if len(result) == 0 {
		return []string{""}
	}
	return result
}

// stepLabel maps an indexed step type to a short display label and color.
func stepLabel(stepType, toolName string) (label, color string) {
	switch stepType {
	case "user_message":
		return "USER", colorUser
	case "assistant_message":
		return "ASST", colorAssist
	case "tool_call":
		if toolName != "" {
			return "TOOL " + toolName, colorTool
		}
		return "TOOL", colorTool
	case "tool_result":
		return "RESULT", colorDim
	default:
		return strings.ToUpper(stepType), colorDim
	}
}

// RenderConversation renders a session transcript and returns the content,
// the 0-based line number of the hit step header (-1 if no hit), and any error.
func RenderConversation(db *index.DB, sessionID string, opts Options) (string, int, error) {
	if opts.Context == 0 {
		opts.Context = 10
	}
	if opts.Context < 0 {
		opts.Context = 1000000 // no limit
	}

	sess, err := db.GetSessionByID(sessionID)
	if err != nil {
		return "", -1, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return "", -1, fmt.Errorf("session not found: %s", sessionID)
	}

	steps, hitIdx, startPos, totalCount, err := db.GetStepsWindow(sessionID, opts.HitStepNum, opts.Context)
	if err != nil {
		return "", -1, fmt.Errorf("get steps: %w", err)
	}

	if totalCount == 0 {
		return "(empty session)", -1, nil
	}

	skipAfter := totalCount - startPos - len(steps)

	var b strings.Builder
	hitLine := -1
	lineCount := 0
	separator := colorDim + "--------------------------------------------------" + colorReset
	wrapW := opts.Width

	// helper to track line count; wraps long lines if Width is set
	writeLine := func(s string) {
		wrapped := wrapLine(s, wrapW)
		for _, wl := range wrapped {
			b.WriteString(wl)
			b.WriteString("\n")
			lineCount++
		}
	}

	// header
	statusColor := colorDim
	if sess.Status == "error" {
		statusColor = colorErr
	}
	writeLine(fmt.Sprintf("%s--- %s [%s] %s%s %s%s%s ---%s",
		colorDim, sessionID, sess.AgentType, sess.ProjectPath, colorReset,
		statusColor, sess.Status, colorDim, colorReset))

	if startPos > 0 {
		writeLine(fmt.Sprintf("%s... (%d steps before) ...%s", colorDim, startPos, colorReset))
	}

	for i, st := range steps {
		isHit := (i == hitIdx)

		// separator between steps
		if i > 0 {
			writeLine(separator)
		}

		if isHit {
			hitLine = lineCount
		}

		label, labelColor := stepLabel(st.StepType, st.ToolName)

		if isHit {
			writeLine(fmt.Sprintf("%s>> %s > %s <<%s", colorHit, label, st.Ts, colorReset))
		} else {
			writeLine(fmt.Sprintf("%s%s >%s %s%s%s", labelColor, label, colorReset, colorDim, st.Ts, colorReset))
		}

		text := st.Text
		if st.StepType == "tool_result" {
			text = colorDim + text + colorReset
		}
		text = highlightKeywords(text, opts.Query)
		text = indentLines(text, "  ")

		textLines := strings.Split(text, "\n")
		for _, tl := range textLines {
			writeLine(tl)
		}
		writeLine("") // blank line after step
	}

	if skipAfter > 0 {
		writeLine(fmt.Sprintf("%s... (%d steps after) ...%s", colorDim, skipAfter, colorReset))
	}

	return b.String(), hitLine, nil
}
