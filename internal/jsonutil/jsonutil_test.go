package jsonutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_PlainObject(t *testing.T) {
	t.Parallel()

	raw, err := Extract(`The agent says: {"verdict":"SHIP_IT","issues":0} done.`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"SHIP_IT","issues":0}`, string(raw))
}

func TestExtract_CodeFencePreferred(t *testing.T) {
	t.Parallel()

	text := "Here is the result:\n```json\n{\"result\": \"success\"}\n```\ntrailing {\"noise\": 1}"
	raw, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"success"}`, string(raw))
}

func TestExtract_Array(t *testing.T) {
	t.Parallel()

	raw, err := Extract(`stories: ["1-1","1-2"]`)
	require.NoError(t, err)
	assert.JSONEq(t, `["1-1","1-2"]`, string(raw))
}

func TestExtract_StripsANSIAndBOM(t *testing.T) {
	t.Parallel()

	text := "\xef\xbb\xbf\x1b[32m{\"ok\":true}\x1b[0m"
	raw, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestExtract_BracesInsideStrings(t *testing.T) {
	t.Parallel()

	raw, err := Extract(`{"desc":"use {{name}} placeholders \" here"}`)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "placeholders")
}

func TestExtract_NoJSON(t *testing.T) {
	t.Parallel()

	_, err := Extract("nothing structured here")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtract_OversizedInput(t *testing.T) {
	t.Parallel()

	_, err := Extract(strings.Repeat("x", maxInputBytes+1))
	require.Error(t, err)
}

func TestExtractAll_MultipleValues(t *testing.T) {
	t.Parallel()

	all := ExtractAll(`first {"a":1} then {"b":2}`)
	require.Len(t, all, 2)
	assert.JSONEq(t, `{"a":1}`, string(all[0]))
	assert.JSONEq(t, `{"b":2}`, string(all[1]))
}

func TestExtractInto(t *testing.T) {
	t.Parallel()

	var out struct {
		Verdict string `json:"verdict"`
		Issues  int    `json:"issues"`
	}
	err := ExtractInto(`review complete. {"verdict":"NEEDS_MINOR_FIXES","issues":2}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "NEEDS_MINOR_FIXES", out.Verdict)
	assert.Equal(t, 2, out.Issues)
}

func TestExtractInto_UnbalancedBraces(t *testing.T) {
	t.Parallel()

	var out map[string]any
	err := ExtractInto(`{"never": "closed"`, &out)
	require.Error(t, err)
}
