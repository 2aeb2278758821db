package tools

import "strings"

// usageExamples are appended to the descriptions of well-known photo
// library tools. Smaller models confuse "find pictures" with "index
// pictures" without them.
var usageExamples = map[string][]string{
	"search_photos": {
		`"show me photos of the beach" -> search_photos(query="beach", n_results=5)`,
		`"find ten pictures of my dog in the snow" -> search_photos(query="dog in snow", n_results=10)`,
		"Use this for any request to find, show or look up existing photos.",
	},
	"index_photo": {
		`"add /Users/me/Pictures/cat.jpg to the library" -> index_photo(image_path="/Users/me/Pictures/cat.jpg")`,
		"Only use this when the user asks to add or index a specific file, never to search.",
	},
	"index_directory": {
		`"index everything in ~/Pictures/2023" -> index_directory(directory_path="~/Pictures/2023")`,
		"Indexing a directory can take minutes; only call it when explicitly asked.",
	},
	"list_albums": {
		`"what albums do I have?" -> list_albums()`,
	},
}

// Enrich returns d with usage examples appended to its description when
// the tool is one Tadpole knows. Unknown tools are returned unchanged.
func Enrich(d Descriptor) Descriptor {
	examples, ok := usageExamples[d.Name]
	if !ok || strings.Contains(d.Description, "Examples:") {
		return d
	}

	var b strings.Builder
	b.WriteString(d.Description)
	if d.Description != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Examples:")
	for _, ex := range examples {
		b.WriteString("\n- ")
		b.WriteString(ex)
	}
	d.Description = b.String()
	return d
}
