package masking

// Masker is a code-based masker: one that needs structural awareness of its
// input (parsing YAML/JSON) rather than a flat regex sweep over raw text.
// Service.registerMasker keys its internal map by Name(), so Name() only
// needs to be unique among the maskers a given *Service registers — there
// is no separate config surface declaring the set ahead of time.
type Masker interface {
	Name() string

	// AppliesTo is a cheap pre-check (substring, not a parse) letting
	// Service.applyAll skip the expensive Mask call entirely for content
	// that plainly can't match.
	AppliesTo(data string) bool

	// Mask returns data with any structurally-identified secret fields
	// replaced. On any parse or processing error it returns data
	// unchanged — a masker must never panic or drop content it can't
	// confidently rewrite.
	Mask(data string) string
}
