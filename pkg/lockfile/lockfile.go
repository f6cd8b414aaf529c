package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Package is a single resolved dependency pinned by the lockfile
type Package struct {
	Name    string
	Version string
	Source  string
	Hashes  []string
}

// Lockfile is an ordered, content-addressed record of exact dependency
// versions. It is a read-only input: the pipeline never mutates it.
type Lockfile struct {
	Version  int
	Packages map[string]Package
	Digest   string // sha256 of the raw lockfile bytes, hex encoded
}

// Manifest is the project manifest the lockfile must satisfy
type Manifest struct {
	Name         string
	Version      string
	Requirements []string
}

// MismatchError reports why a lockfile cannot satisfy a manifest.
// Any mismatch aborts the build before the dependency sync runs.
type MismatchError struct {
	Missing  []string
	Unhashed []string
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("not pinned: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unhashed) > 0 {
		parts = append(parts, fmt.Sprintf("missing content hashes: %s", strings.Join(e.Unhashed, ", ")))
	}
	return "lockfile does not satisfy manifest: " + strings.Join(parts, "; ")
}

// Parse reads a TOML lockfile (uv.lock layout: a version field plus a list
// of [[package]] tables carrying name, version, source and wheel/sdist hashes).
func Parse(data []byte) (*Lockfile, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}

	lf := &Lockfile{
		Version:  v.GetInt("version"),
		Packages: make(map[string]Package),
	}

	sum := sha256.Sum256(data)
	lf.Digest = hex.EncodeToString(sum[:])

	entries, err := packageTables(v.Get("package"))
	if err != nil {
		return nil, err
	}

	for _, table := range entries {
		pkg := Package{
			Name:    asString(table["name"]),
			Version: asString(table["version"]),
		}
		if pkg.Name == "" {
			return nil, fmt.Errorf("failed to parse lockfile: package entry without a name")
		}
		if src, ok := table["source"].(map[string]interface{}); ok {
			for _, key := range []string{"registry", "editable", "virtual", "git", "url"} {
				if val := asString(src[key]); val != "" {
					pkg.Source = val
					break
				}
			}
		}
		pkg.Hashes = collectHashes(table)

		key := CanonicalName(pkg.Name)
		if existing, dup := lf.Packages[key]; dup && existing.Version != pkg.Version {
			return nil, fmt.Errorf("lockfile pins %s at both %s and %s", pkg.Name, existing.Version, pkg.Version)
		}
		lf.Packages[key] = pkg
	}

	return lf, nil
}

// ParseFile reads and parses a lockfile from disk
func ParseFile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}
	return Parse(data)
}

// ParseManifest reads a TOML project manifest (pyproject.toml layout) and
// extracts the project name, version and dependency requirements.
func ParseManifest(data []byte) (*Manifest, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m := &Manifest{
		Name:         v.GetString("project.name"),
		Version:      v.GetString("project.version"),
		Requirements: v.GetStringSlice("project.dependencies"),
	}
	if m.Name == "" {
		return nil, fmt.Errorf("failed to parse manifest: missing project.name")
	}
	return m, nil
}

// ParseManifestFile reads and parses a project manifest from disk
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Verify checks that every manifest requirement is pinned by the lockfile
// with at least one content hash. Verification is fail-closed: a requirement
// the lockfile cannot satisfy aborts the build, it is never implicitly
// upgraded or resolved on the fly.
func Verify(lf *Lockfile, m *Manifest) error {
	mismatch := &MismatchError{}

	for _, req := range m.Requirements {
		name := CanonicalName(RequirementName(req))
		pkg, ok := lf.Packages[name]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, name)
			continue
		}
		if len(pkg.Hashes) == 0 && !isLocalSource(pkg.Source) {
			mismatch.Unhashed = append(mismatch.Unhashed, name)
		}
	}

	if len(mismatch.Missing) > 0 || len(mismatch.Unhashed) > 0 {
		return mismatch
	}
	return nil
}

// RequirementName extracts the bare distribution name from a requirement
// specifier such as "torch>=2.0", "numpy [extra] ; python_version < '3.12'".
func RequirementName(req string) string {
	name := strings.TrimSpace(req)
	if idx := strings.IndexAny(name, " <>=!~[;("); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// CanonicalName normalizes a distribution name (PEP 503: case-insensitive,
// runs of -_. collapse to a single dash).
func CanonicalName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	prevDash := false
	for _, r := range lower {
		if r == '-' || r == '_' || r == '.' {
			if !prevDash {
				b.WriteByte('-')
			}
			prevDash = true
			continue
		}
		prevDash = false
		b.WriteRune(r)
	}
	return b.String()
}

func isLocalSource(source string) bool {
	return source == "." || strings.HasPrefix(source, "./") || strings.HasPrefix(source, "file:")
}

func collectHashes(table map[string]interface{}) []string {
	var hashes []string

	if sdist, ok := table["sdist"].(map[string]interface{}); ok {
		if h := asString(sdist["hash"]); h != "" {
			hashes = append(hashes, h)
		}
	}
	if wheels, ok := table["wheels"].([]interface{}); ok {
		for _, w := range wheels {
			if wheel, ok := w.(map[string]interface{}); ok {
				if h := asString(wheel["hash"]); h != "" {
					hashes = append(hashes, h)
				}
			}
		}
	}
	return hashes
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// packageTables normalizes the decoded [[package]] list; the TOML backend
// may surface it as []map[string]interface{} or []interface{}.
func packageTables(raw interface{}) ([]map[string]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch list := raw.(type) {
	case []map[string]interface{}:
		return list, nil
	case []interface{}:
		tables := make([]map[string]interface{}, 0, len(list))
		for _, e := range list {
			table, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("failed to parse lockfile: package entry has unexpected shape")
			}
			tables = append(tables, table)
		}
		return tables, nil
	default:
		return nil, fmt.Errorf("failed to parse lockfile: package list has unexpected shape")
	}
}
