package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterByQuery(t *testing.T) {
	all := []ManagedSession{
		{ID: "1", Name: "api-server", TmuxSession: "agentbridge_api-server_1", Mode: ModeLocal, Status: StatusIdle},
		{ID: "2", Name: "hq-mayor", TmuxSession: "hq-mayor", Mode: "gastown", Status: StatusOffline},
		{ID: "3", Name: "frontend", TmuxSession: "agentbridge_frontend_2", Mode: ModeLocal, Status: StatusWorking},
	}

	assert.Equal(t, all, FilterByQuery(all, ""))

	got := FilterByQuery(all, "mayor")
	if assert.Len(t, got, 1) {
		assert.Equal(t, "2", got[0].ID)
	}

	got = FilterByQuery(all, "frontend")
	if assert.NotEmpty(t, got) {
		assert.Equal(t, "3", got[0].ID)
	}

	assert.Empty(t, FilterByQuery(all, "zzzzqqq"))
}
