package domain

// Skill is a named, reusable chunk of generation guidance content.
// Skills are read-only at runtime: loaded once from the skill library and cached.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Content     string   `json:"-"`
}

// HasTag reports whether the skill carries the given tag.
func (s Skill) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
