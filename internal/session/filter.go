package session

import "github.com/sahilm/fuzzy"

type fuzzySource []ManagedSession

func (s fuzzySource) String(i int) string {
	m := s[i]
	return m.Name + " " + m.TmuxSession + " " + m.ProjectPath + " " + m.Mode + " " + string(m.Status)
}

func (s fuzzySource) Len() int { return len(s) }

// FilterByQuery returns the sessions fuzzy-matching query, best match
// first. An empty query returns the input unchanged.
func FilterByQuery(sessions []ManagedSession, query string) []ManagedSession {
	if query == "" {
		return sessions
	}
	matches := fuzzy.FindFrom(query, fuzzySource(sessions))
	out := make([]ManagedSession, 0, len(matches))
	for _, m := range matches {
		out = append(out, sessions[m.Index])
	}
	return out
}
