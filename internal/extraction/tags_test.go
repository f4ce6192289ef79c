package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagExtractor_ExtractTags(t *testing.T) {
	extractor := NewTagExtractor(nil)

	tests := []struct {
		name     string
		content  string
		wantTags []string
	}{
		{name: "golang content", content: "Let me run go test to verify this change.", wantTags: []string{"golang", "testing"}},
		{name: "kubernetes", content: "Apply this with kubectl to the k8s cluster.", wantTags: []string{"kubernetes"}},
		{name: "debugging", content: "There's a bug in the handler.", wantTags: []string{"debugging"}},
		{name: "multiple activities", content: "After the refactor, add tests to verify the fix.", wantTags: []string{"debugging", "refactoring", "testing"}},
		{name: "no matching tags", content: "Hello, how are you today?", wantTags: []string{}},
		{name: "case insensitive", content: "Using DOCKER here.", wantTags: []string{"docker"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTags, extractor.ExtractTags(tt.content))
		})
	}
}

func TestTagExtractor_ExtractTagsFromFiles(t *testing.T) {
	extractor := NewTagExtractor(nil)

	tests := []struct {
		name     string
		paths    []string
		wantTags []string
	}{
		{name: "go file", paths: []string{"internal/store/pool.go"}, wantTags: []string{"database", "golang"}},
		{name: "python file", paths: []string{"app/main.py"}, wantTags: []string{"python"}},
		{name: "terraform", paths: []string{"infra/vpc.tf"}, wantTags: []string{"terraform"}},
		{name: "dockerfile", paths: []string{"build/Dockerfile"}, wantTags: []string{"docker"}},
		{name: "empty", paths: nil, wantTags: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTags, extractor.ExtractTagsFromFiles(tt.paths))
		})
	}
}

func TestTagExtractor_CustomRules(t *testing.T) {
	extractor := NewTagExtractor(map[string][]string{"billing": {"invoice"}})
	assert.Equal(t, []string{"billing"}, extractor.ExtractTags("regenerate the invoice pdf"))
}

func TestFilePaths(t *testing.T) {
	got := FilePaths("edit internal/store/pool.go and main.py, not the plan")
	assert.Equal(t, []string{"internal/store/pool.go", "main.py"}, got)
}
