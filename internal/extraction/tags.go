package extraction

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultTagRules maps tags to keywords that indicate them.
var DefaultTagRules = map[string][]string{
	// Languages
	"golang":     {".go", "go mod", "go build", "go test", "golang"},
	"python":     {".py", "pip", "pytest", "python", "django", "flask", "asyncpg"},
	"typescript": {".ts", ".tsx", "typescript"},
	"javascript": {".js", ".jsx", "npm", "node", "javascript"},
	"rust":       {".rs", "cargo", "rustc", "rust"},
	"java":       {".java", "maven", "gradle", "java"},

	// Infrastructure
	"kubernetes": {"kubectl", "k8s", "helm", "kubernetes"},
	"terraform":  {".tf", "terraform", "tfstate", "tfvars"},
	"docker":     {"dockerfile", "docker-compose", "container", "docker"},
	"aws":        {"aws", "s3", "ec2", "lambda", "cloudformation"},
	"gcp":        {"gcloud", "gcp", "pubsub", "bigquery", "gke"},

	// Activities
	"debugging":   {"fix", "bug", "error", "broken", "failing", "debug"},
	"testing":     {"test", "coverage", "mock", "assert"},
	"refactoring": {"refactor", "cleanup", "rename", "simplify", "restructure"},
	"security":    {"auth", "secret", "credential", "permission", "encrypt"},
	"performance": {"optimize", "slow", "cache", "latency", "performance"},

	// Architecture
	"api":      {"api", "endpoint", "rest", "grpc", "graphql"},
	"database": {"database", "sql", "postgres", "mysql", "sqlite", "redis", "pool"},
	"frontend": {"frontend", "react", "vue", "angular", "css"},
}

// TagExtractor derives tags from content and file paths by keyword.
type TagExtractor struct {
	rules map[string][]string
}

// NewTagExtractor uses rules, or DefaultTagRules when empty.
func NewTagExtractor(rules map[string][]string) *TagExtractor {
	if len(rules) == 0 {
		rules = DefaultTagRules
	}
	return &TagExtractor{rules: rules}
}

// ExtractTags returns the sorted tags whose keywords appear in content.
func (t *TagExtractor) ExtractTags(content string) []string {
	content = strings.ToLower(content)
	tags := make(map[string]bool)

	for tag, keywords := range t.rules {
		for _, keyword := range keywords {
			if strings.Contains(content, strings.ToLower(keyword)) {
				tags[tag] = true
				break
			}
		}
	}
	return sortedKeys(tags)
}

// ExtractTagsFromFiles returns the sorted tags matching file extensions or
// names in paths.
func (t *TagExtractor) ExtractTagsFromFiles(paths []string) []string {
	tags := make(map[string]bool)

	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		base := strings.ToLower(filepath.Base(path))

		for tag, keywords := range t.rules {
			for _, keyword := range keywords {
				kw := strings.ToLower(keyword)
				if ext == kw || (!strings.HasPrefix(kw, ".") && strings.Contains(base, kw)) {
					tags[tag] = true
					break
				}
			}
		}
	}
	return sortedKeys(tags)
}

var filePathRe = regexp.MustCompile(`(?:[\w.-]+/)*[\w-]+\.[A-Za-z]{1,6}\b`)

// FilePaths returns path-like tokens with an extension found in content.
func FilePaths(content string) []string {
	return filePathRe.FindAllString(content, -1)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
