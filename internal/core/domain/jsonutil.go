package domain

import "regexp"

// LLM replies wrap JSON in markdown fences often enough that both helpers try
// a fenced block first and fall back to the widest raw match.
var (
	jsonObjectBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectRe      = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayBlockRe  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	jsonArrayRe       = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// ExtractJSONObject pulls a JSON object out of an LLM reply.
func ExtractJSONObject(content string) string {
	if m := jsonObjectBlockRe.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return jsonObjectRe.FindString(content)
}

// ExtractJSONArray pulls a JSON array out of an LLM reply.
func ExtractJSONArray(content string) string {
	if m := jsonArrayBlockRe.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return jsonArrayRe.FindString(content)
}
