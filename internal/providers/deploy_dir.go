package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is the artifact listing patterns that are never deployed.
const IgnoreFile = ".forgeignore"

// DefaultIgnorePatterns are excluded from every deployment.
var DefaultIgnorePatterns = []string{
	IgnoreFile,
	".env",
	".env.*",
	"*.pem",
	"*.key",
	".git/",
	"node_modules/",
}

var projectNameRe = regexp.MustCompile(`[^a-z0-9-]+`)

// Slug reduces a project name to lowercase letters, digits and dashes.
func Slug(name string) string {
	s := projectNameRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	return s
}

// FilterArtifacts drops artifacts matched by the default patterns or by a
// .forgeignore artifact at the project root.
func FilterArtifacts(artifacts []Artifact) []Artifact {
	patterns := append([]string(nil), DefaultIgnorePatterns...)
	for _, a := range artifacts {
		if path.Clean(a.Path) == IgnoreFile {
			patterns = append(patterns, strings.Split(string(a.Content), "\n")...)
		}
	}
	matcher := gitignore.CompileIgnoreLines(patterns...)
	out := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if matcher.MatchesPath(a.Path) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// DirDeployer publishes a project by writing its files under Root/<slug>.
// BaseURL, when set, is where Root is served from.
type DirDeployer struct {
	Root    string
	BaseURL string
}

// NewDirDeployer returns a deployer rooted at root.
func NewDirDeployer(root, baseURL string) *DirDeployer {
	return &DirDeployer{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (d *DirDeployer) Deploy(ctx context.Context, projectName string, artifacts []Artifact) (Deployment, error) {
	slug := Slug(projectName)
	dir, err := d.write(ctx, slug, artifacts)
	if err != nil {
		return Deployment{}, err
	}
	url := "file://" + dir
	if d.BaseURL != "" {
		url = d.BaseURL + "/" + slug + "/"
	}
	return Deployment{ID: slug, URL: url}, nil
}

// write replaces Root/<slug> with the filtered artifacts and returns the
// absolute directory.
func (d *DirDeployer) write(ctx context.Context, slug string, artifacts []Artifact) (string, error) {
	files := FilterArtifacts(artifacts)
	if len(files) == 0 {
		return "", errors.New("nothing to deploy after filtering")
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve deploy root: %w", err)
	}
	dir := filepath.Join(root, slug)
	staging := dir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("failed to clear staging dir: %w", err)
	}
	for _, a := range files {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(staging)
			return "", err
		}
		target := filepath.Join(staging, filepath.FromSlash(path.Clean("/" + a.Path)))
		if !strings.HasPrefix(target, staging+string(filepath.Separator)) {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("artifact path escapes deploy dir: %s", a.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, a.Content, 0o644); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("failed to write %s: %w", a.Path, err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to replace %s: %w", dir, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", dir, err)
	}
	return dir, nil
}
