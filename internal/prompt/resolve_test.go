package prompt

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/ralph/pkg/models"
)

func file(body string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(body)} }

func TestResolve_Order(t *testing.T) {
	full := fstest.MapFS{"prompt_bug.md": file("project bug"), "prompt.md": file("project generic")}
	genericOnly := fstest.MapFS{"prompt.md": file("project generic")}
	bundled := fstest.MapFS{"prompt_bug.md": file("bundled bug"), "prompt.md": file("bundled generic")}
	bundledGeneric := fstest.MapFS{"prompt.md": file("bundled generic")}

	tests := []struct {
		name      string
		storyType models.StoryType
		project   fstest.MapFS
		bundled   fstest.MapFS
		want      string
		source    Source
	}{
		{"project typed wins", "bug", full, bundled, "project bug", SourceProject},
		{"project generic beats bundled typed", "bug", genericOnly, bundled, "project generic", SourceProject},
		{"bundled typed", "bug", fstest.MapFS{}, bundled, "bundled bug", SourceBundled},
		{"bundled generic", "bug", fstest.MapFS{}, bundledGeneric, "bundled generic", SourceBundled},
		{"untyped story skips typed rows", "", full, bundled, "project generic", SourceProject},
		{"unknown type falls through", "spike", fstest.MapFS{}, bundled, "bundled generic", SourceBundled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.storyType, tt.project, tt.bundled)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Body)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := Resolve("bug", fstest.MapFS{}, nil)
	var nf *TemplateNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Len(t, nf.Tried, 4)
	assert.Contains(t, err.Error(), "project:prompt_bug.md")
	assert.Contains(t, err.Error(), "bundled:prompt.md")
}

func TestCandidates_IsPure(t *testing.T) {
	assert.Equal(t, Candidates("feature"), Candidates("feature"))
	assert.Equal(t, []Candidate{
		{SourceProject, "prompt_feature.md"},
		{SourceProject, "prompt.md"},
		{SourceBundled, "prompt_feature.md"},
		{SourceBundled, "prompt.md"},
	}, Candidates("feature"))
}

func TestBundled_HasDefaults(t *testing.T) {
	for _, typ := range []models.StoryType{"", "bug", "refactor", "test", "feature", "docs"} {
		tmpl, err := Resolve(typ, nil, Bundled())
		require.NoError(t, err, "type %q", typ)
		assert.Contains(t, tmpl.Body, "{{STORY}}")
		assert.Contains(t, tmpl.Body, "{{COMPLETION_MARKER}}")
	}
}
