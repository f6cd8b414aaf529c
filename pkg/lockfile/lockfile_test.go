package lockfile

import (
	"errors"
	"testing"
)

const sampleLock = `
version = 1
requires-python = ">=3.10"

[[package]]
name = "numpy"
version = "1.26.4"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/numpy-1.26.4-cp310.whl", hash = "sha256:aaaa" },
    { url = "https://files.example/numpy-1.26.4-cp311.whl", hash = "sha256:bbbb" },
]

[[package]]
name = "pandas"
version = "2.2.1"
source = { registry = "https://pypi.org/simple" }
sdist = { url = "https://files.example/pandas-2.2.1.tar.gz", hash = "sha256:cccc" }

[[package]]
name = "opendg"
version = "0.1.0"
source = { editable = "." }
`

const sampleManifest = `
[project]
name = "opendg"
version = "0.1.0"
dependencies = [
    "numpy>=1.24",
    "pandas",
]
`

func TestParse(t *testing.T) {
	lf, err := Parse([]byte(sampleLock))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if lf.Version != 1 {
		t.Errorf("expected lockfile version 1, got %d", lf.Version)
	}
	if len(lf.Packages) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(lf.Packages))
	}

	numpy, ok := lf.Packages["numpy"]
	if !ok {
		t.Fatal("numpy not found in lockfile")
	}
	if numpy.Version != "1.26.4" {
		t.Errorf("expected numpy 1.26.4, got %s", numpy.Version)
	}
	if len(numpy.Hashes) != 2 {
		t.Errorf("expected 2 wheel hashes for numpy, got %d", len(numpy.Hashes))
	}

	pandas := lf.Packages["pandas"]
	if len(pandas.Hashes) != 1 || pandas.Hashes[0] != "sha256:cccc" {
		t.Errorf("expected sdist hash for pandas, got %v", pandas.Hashes)
	}

	if lf.Digest == "" {
		t.Error("expected a non-empty lockfile digest")
	}
}

func TestParseDigestIsStable(t *testing.T) {
	a, err := Parse([]byte(sampleLock))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	b, err := Parse([]byte(sampleLock))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if a.Digest != b.Digest {
		t.Errorf("same bytes produced different digests: %s vs %s", a.Digest, b.Digest)
	}

	c, err := Parse([]byte(sampleLock + "\n# trailing comment\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if a.Digest == c.Digest {
		t.Error("different bytes must produce different digests")
	}
}

func TestParseRejectsConflictingPins(t *testing.T) {
	conflicting := `
version = 1

[[package]]
name = "numpy"
version = "1.26.4"

[[package]]
name = "numpy"
version = "1.25.0"
`
	if _, err := Parse([]byte(conflicting)); err == nil {
		t.Fatal("expected error for conflicting package pins")
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Name != "opendg" {
		t.Errorf("expected project name opendg, got %s", m.Name)
	}
	if m.Version != "0.1.0" {
		t.Errorf("expected version 0.1.0, got %s", m.Version)
	}
	if len(m.Requirements) != 2 {
		t.Errorf("expected 2 requirements, got %d", len(m.Requirements))
	}
}

func TestParseManifestRequiresName(t *testing.T) {
	if _, err := ParseManifest([]byte("[project]\nversion = \"1.0\"\n")); err == nil {
		t.Fatal("expected error for manifest without project.name")
	}
}

func TestVerify(t *testing.T) {
	lf, err := Parse([]byte(sampleLock))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}

	if err := Verify(lf, m); err != nil {
		t.Errorf("expected lockfile to satisfy manifest, got %v", err)
	}
}

func TestVerifyFailsClosedOnMissingPin(t *testing.T) {
	lf, _ := Parse([]byte(sampleLock))
	m := &Manifest{
		Name:         "opendg",
		Requirements: []string{"numpy", "torch>=2.0"},
	}

	err := Verify(lf, m)
	if err == nil {
		t.Fatal("expected verification failure for unpinned requirement")
	}

	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %T", err)
	}
	if len(mismatch.Missing) != 1 || mismatch.Missing[0] != "torch" {
		t.Errorf("expected torch to be reported missing, got %v", mismatch.Missing)
	}
}

func TestVerifyFailsClosedOnUnhashedPin(t *testing.T) {
	unhashed := `
version = 1

[[package]]
name = "requests"
version = "2.31.0"
source = { registry = "https://pypi.org/simple" }
`
	lf, err := Parse([]byte(unhashed))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := &Manifest{Name: "demo", Requirements: []string{"requests"}}

	err = Verify(lf, m)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
	if len(mismatch.Unhashed) != 1 {
		t.Errorf("expected requests reported unhashed, got %v", mismatch.Unhashed)
	}
}

func TestRequirementName(t *testing.T) {
	tests := []struct {
		req      string
		expected string
	}{
		{"numpy", "numpy"},
		{"torch>=2.0", "torch"},
		{"pandas==2.2.1", "pandas"},
		{"scikit-learn~=1.4", "scikit-learn"},
		{"uvicorn[standard]", "uvicorn"},
		{"requests ; python_version < '3.12'", "requests"},
	}
	for _, tt := range tests {
		if got := RequirementName(tt.req); got != tt.expected {
			t.Errorf("RequirementName(%q) = %q, want %q", tt.req, got, tt.expected)
		}
	}
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"NumPy", "numpy"},
		{"scikit_learn", "scikit-learn"},
		{"zope.interface", "zope-interface"},
		{"a--b__c", "a-b-c"},
	}
	for _, tt := range tests {
		if got := CanonicalName(tt.name); got != tt.expected {
			t.Errorf("CanonicalName(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}
