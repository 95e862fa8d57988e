package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	cases := []struct {
		raw  string
		want Role
		ok   bool
	}{
		{raw: "user", want: RoleUser, ok: true},
		{raw: " Human ", want: RoleUser, ok: true},
		{raw: "assistant", want: RoleAssistant, ok: true},
		{raw: "ai", want: RoleAssistant, ok: true},
		{raw: "system", ok: false},
		{raw: "", ok: false},
	}

	for _, tc := range cases {
		got, ok := ParseRole(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestToHistoryPreservesOrder(t *testing.T) {
	messages := []Message{
		{ID: "1", Role: RoleUser, Text: "Tell me about NTC"},
		{ID: "2", Role: RoleAssistant, Text: "NTC is a state-owned operator."},
		{ID: "3", Role: RoleUser, Text: "And Ncell?"},
	}

	turns := ToHistory(messages)
	assert.Equal(t, []HistoryTurn{
		{Speaker: RoleUser, Text: "Tell me about NTC"},
		{Speaker: RoleAssistant, Text: "NTC is a state-owned operator."},
		{Speaker: RoleUser, Text: "And Ncell?"},
	}, turns)
	assert.Nil(t, ToHistory(nil))
}
