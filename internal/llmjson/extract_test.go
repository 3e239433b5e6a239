package llmjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	Status string   `json:"status"`
	Items  []string `json:"items"`
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     reply
	}{
		{
			name:     "bare object",
			response: `{"status":"ok","items":["a"]}`,
			want:     reply{Status: "ok", Items: []string{"a"}},
		},
		{
			name:     "fenced",
			response: "Here you go:\n```json\n{\"status\":\"ok\"}\n```\nThanks",
			want:     reply{Status: "ok"},
		},
		{
			name:     "leading and trailing prose",
			response: `Sure! {"status":"done"} Let me know if you need more.`,
			want:     reply{Status: "done"},
		},
		{
			name:     "trailing commas",
			response: "{\"status\":\"ok\",\"items\":[\"a\",\"b\",],}",
			want:     reply{Status: "ok", Items: []string{"a", "b"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract[reply](tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_NoJSON(t *testing.T) {
	_, err := Extract[reply]("I could not do that.")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = Extract[reply]("   ")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtract_Malformed(t *testing.T) {
	_, err := Extract[reply](`{"status": }`)
	assert.Error(t, err)
}
