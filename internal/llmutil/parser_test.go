package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestParseJSONResponsePlain(t *testing.T) {
	out, err := ParseJSONResponse[sample](`{"name":"a","count":2}`)
	require.NoError(t, err)
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, 2, out.Count)
}

func TestParseJSONResponseMarkdownFenced(t *testing.T) {
	resp := "```json\n{\"name\":\"fenced\",\"count\":7}\n```"
	out, err := ParseJSONResponse[sample](resp)
	require.NoError(t, err)
	assert.Equal(t, "fenced", out.Name)
}

func TestParseJSONResponseConversationalPadding(t *testing.T) {
	resp := `Sure, here is the result: {"name":"padded","count":1} hope that helps!`
	out, err := ParseJSONResponse[sample](resp)
	require.NoError(t, err)
	assert.Equal(t, "padded", out.Name)
}

func TestParseJSONResponseArray(t *testing.T) {
	resp := "```\n[{\"name\":\"x\",\"count\":0},{\"name\":\"y\",\"count\":1}]\n```"
	out, err := ParseJSONResponse[[]sample](resp)
	require.NoError(t, err)
	require.Len(t, *out, 2)
	assert.Equal(t, "y", (*out)[1].Name)
}

func TestParseJSONResponseMalformed(t *testing.T) {
	_, err := ParseJSONResponse[sample]("this is not json at all")
	require.Error(t, err)
}
