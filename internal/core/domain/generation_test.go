package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGenerationResult(t *testing.T) {
	res, err := ParseGenerationResult([]byte(`{
		"mode": "create",
		"files": [{"path": "game.js", "content": "let x = 1;"}],
		"summary": "initial version"
	}`))
	require.NoError(t, err)
	assert.Equal(t, ModeCreate, res.Mode)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "game.js", res.Files[0].Path)
	assert.True(t, res.Mutating())
}

func TestParseGenerationResult_NormalizesMode(t *testing.T) {
	res, err := ParseGenerationResult([]byte(`{"mode": " Chat ", "message": "hi"}`))
	require.NoError(t, err)
	assert.Equal(t, ModeChat, res.Mode)
	assert.False(t, res.Mutating())
}

func TestParseGenerationResult_RejectsUnknownMode(t *testing.T) {
	_, err := ParseGenerationResult([]byte(`{"mode": "deploy"}`))
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = ParseGenerationResult([]byte(`{"message": "no mode at all"}`))
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = ParseGenerationResult([]byte(`not json`))
	assert.Error(t, err)
}

func TestEdit_LineBased(t *testing.T) {
	assert.False(t, Edit{OldString: "a", NewString: "b"}.LineBased())
	assert.True(t, Edit{StartLine: 3, DeleteCount: 2, NewContent: "x"}.LineBased())
	assert.False(t, Edit{}.LineBased())
}

func TestExtractJSONObject(t *testing.T) {
	fenced := "Here you go:\n```json\n{\"mode\": \"chat\"}\n```\nanything else"
	assert.Equal(t, `{"mode": "chat"}`, ExtractJSONObject(fenced))

	raw := `prefix {"a": 1} suffix`
	assert.Equal(t, `{"a": 1}`, ExtractJSONObject(raw))

	assert.Empty(t, ExtractJSONObject("no json here"))
}

func TestExtractJSONArray(t *testing.T) {
	fenced := "```\n[\"physics-2d\", \"audio\"]\n```"
	assert.Equal(t, `["physics-2d", "audio"]`, ExtractJSONArray(fenced))

	raw := `the skills are ["a", "b"] as requested`
	assert.Equal(t, `["a", "b"]`, ExtractJSONArray(raw))

	assert.Empty(t, ExtractJSONArray("none"))
}
