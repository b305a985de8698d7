package search

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/frago-dev/agentwatch/internal/index"
)

type Result struct {
	SessionID    string
	StepNum      int
	LastActivity string
	AgentType    string
	ProjectPath  string
	Status       string
	StepType     string
	ToolName     string
	Snippet      string
	Rank         float64
}

type Options struct {
	Query     string
	AgentType string // "" = all
	Status    string // "" = all, e.g. "running", "completed"
	Since     string // "" = no filter, e.g. "2024-01-01"
	Limit     int
}

// containsCJK returns true if the string contains any CJK Unified Ideograph.
func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// makeSnippet extracts a snippet around the first occurrence of query in text.
func makeSnippet(text, query string, contextChars int) string {
	lower := strings.ToLower(text)
	qLower := strings.ToLower(query)
	idx := strings.Index(lower, qLower)
	if idx < 0 {
		// no match, return head
		if len([]rune(text)) > contextChars*2 {
			return string([]rune(text)[:contextChars*2]) + "..."
		}
		return text
	}
	runes := []rune(text)
	qRunes := []rune(query)
	// find rune position of idx
	runePos := len([]rune(text[:idx]))
	start := runePos - contextChars
	if start < 0 {
		start = 0
	}
	end := runePos + len(qRunes) + contextChars
	if end > len(runes) {
		end = len(runes)
	}
	prefix := ""
	suffix := ""
	if start > 0 {
		prefix = "..."
	}
	if end < len(runes) {
		suffix = "..."
	}
	// wrap the matched part with markers
	snippet := string(runes[start:runePos]) +
		">>>" + string(runes[runePos:runePos+len(qRunes)]) + "<<<" +
		string(runes[runePos+len(qRunes):end])
	return prefix + snippet + suffix
}

func Search(db *index.DB, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	// Fetch more results before dedup so we still have enough after
	origLimit := opts.Limit
	opts.Limit = origLimit * 3

	var results []Result
	var err error
	if containsCJK(opts.Query) {
		results, err = searchLike(db, opts)
	} else {
		results, err = searchFTS(db, opts)
	}
	if err != nil {
		return nil, err
	}

	// Deduplicate: keep only the best-ranked result per session
	seen := make(map[string]bool)
	var deduped []Result
	for _, r := range results {
		if seen[r.SessionID] {
			continue
		}
		seen[r.SessionID] = true
		deduped = append(deduped, r)
		if len(deduped) >= origLimit {
			break
		}
	}
	return deduped, nil
}

// ListAll returns recent sessions without a text match, newest first.
// Used by the list view when the filter input is empty.
func ListAll(db *index.DB, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	var conditions []string
	var args []interface{}

	if opts.AgentType != "" {
		conditions = append(conditions, "agent_type = ?")
		args = append(args, opts.AgentType)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Since != "" {
		conditions = append(conditions, "last_activity >= ?")
		args = append(args, opts.Since)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT session_id, agent_type, project_path, status, last_activity
		FROM sessions
		%s
		ORDER BY last_activity DESC
		LIMIT ?
	`, where)
	args = append(args, opts.Limit)

	rows, err := db.Raw().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{StepNum: -1}
		if err := rows.Scan(
			&r.SessionID, &r.AgentType, &r.ProjectPath,
			&r.Status, &r.LastActivity,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func searchFTS(db *index.DB, opts Options) ([]Result, error) {
	var conditions []string
	var args []interface{}

	// FTS match
	conditions = append(conditions, "steps_fts MATCH ?")
	args = append(args, opts.Query)

	// agent filter
	if opts.AgentType != "" {
		conditions = append(conditions, "s.agent_type = ?")
		args = append(args, opts.AgentType)
	}

	// status filter
	if opts.Status != "" {
		conditions = append(conditions, "s.status = ?")
		args = append(args, opts.Status)
	}

	// since filter
	if opts.Since != "" {
		conditions = append(conditions, "s.last_activity >= ?")
		args = append(args, opts.Since)
	}

	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT
			st.session_id,
			st.step_num,
			s.last_activity,
			s.agent_type,
			s.project_path,
			s.status,
			st.step_type,
			st.tool_name,
			snippet(steps_fts, 0, '>>>','<<<', '...', 40) as snip,
			bm25(steps_fts, 1.0) as rank
		FROM steps_fts
		JOIN steps st ON steps_fts.rowid = st.rowid
		JOIN sessions s ON st.session_id = s.session_id
		WHERE %s
		ORDER BY rank
		LIMIT ?
	`, where)

	args = append(args, opts.Limit)

	rows, err := db.Raw().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

func searchLike(db *index.DB, opts Options) ([]Result, error) {
	var conditions []string
	var args []interface{}

	// LIKE match for CJK substring search
	conditions = append(conditions, "st.text LIKE ?")
	args = append(args, "%"+opts.Query+"%")

	// agent filter
	if opts.AgentType != "" {
		conditions = append(conditions, "s.agent_type = ?")
		args = append(args, opts.AgentType)
	}

	// status filter
	if opts.Status != "" {
		conditions = append(conditions, "s.status = ?")
		args = append(args, opts.Status)
	}

	// since filter
	if opts.Since != "" {
		conditions = append(conditions, "s.last_activity >= ?")
		args = append(args, opts.Since)
	}

	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT
			st.session_id,
			st.step_num,
			s.last_activity,
			s.agent_type,
			s.project_path,
			s.status,
			st.step_type,
			st.tool_name,
			st.text
		FROM steps st
		JOIN sessions s ON st.session_id = s.session_id
		WHERE %s
		ORDER BY s.last_activity DESC
		LIMIT ?
	`, where)

	args = append(args, opts.Limit)

	rows, err := db.Raw().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var fullText string
		if err := rows.Scan(
			&r.SessionID, &r.StepNum, &r.LastActivity,
			&r.AgentType, &r.ProjectPath, &r.Status,
			&r.StepType, &r.ToolName, &fullText,
		); err != nil {
			return nil, err
		}
		r.Snippet = makeSnippet(fullText, opts.Query, 30)
		r.Rank = 0
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(
			&r.SessionID, &r.StepNum, &r.LastActivity,
			&r.AgentType, &r.ProjectPath, &r.Status,
			&r.StepType, &r.ToolName, &r.Snippet, &r.Rank,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
