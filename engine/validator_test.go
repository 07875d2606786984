package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestValidatorPassesCleanTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod":    "module demo\n\ngo 1.24\n",
		"main.go":   "package main\n\nfunc main() {}\n",
		"README.md": "# demo\n",
	})

	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	project := &buildspec.Project{Name: "demo", Technologies: []string{"go"}}
	report := v.ValidateProject(project, root)

	if !report.Valid() {
		t.Fatalf("errors: %v", report.Errors)
	}
	if len(report.PassedChecks) == 0 {
		t.Error("no checks recorded as passed")
	}
}

func TestValidatorFlagsSyntaxErrorsWithLocation(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"broken.go": "package main\n\nfunc main( {\n",
		"bad.json":  "{not json",
	})

	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	report := v.ValidateProject(&buildspec.Project{Name: "demo"}, root)

	if report.Valid() {
		t.Fatal("syntax errors not reported")
	}
	foundGo := false
	for _, issue := range report.Errors {
		if issue.File == "broken.go" {
			foundGo = true
			if issue.Severity != SeverityHigh {
				t.Errorf("severity = %s, want high", issue.Severity)
			}
			if issue.Line == 0 {
				t.Error("go syntax error carries no line")
			}
		}
	}
	if !foundGo {
		t.Errorf("broken.go not flagged: %v", report.Errors)
	}
}

func TestValidatorFlagsUnresolvedImports(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod":  "module demo\n\ngo 1.24\n\nrequire github.com/known/dep v1.0.0\n",
		"main.go": "package main\n\nimport (\n\t_ \"github.com/known/dep\"\n\t_ \"github.com/mystery/pkg\"\n\t\"fmt\"\n)\n\nfunc main() { fmt.Println() }\n",
	})

	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	report := v.ValidateProject(&buildspec.Project{Name: "demo"}, root)

	found := false
	for _, issue := range report.Errors {
		if issue.Check == "imports" {
			found = true
			if issue.Line == 0 {
				t.Error("import issue has no line")
			}
		}
	}
	if !found {
		t.Errorf("unresolved import not flagged: %v", report.Errors)
	}
}

func TestValidatorRequiresDeclaredManifests(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"README.md": "# x\n"})

	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	project := &buildspec.Project{Name: "demo", Technologies: []string{"go"}}
	report := v.ValidateProject(project, root)

	found := false
	for _, issue := range report.Errors {
		if issue.Check == "structure" && issue.File == "go.mod" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing go.mod not flagged: %v", report.Errors)
	}
	if len(report.Suggestions) == 0 {
		t.Error("failed checks produced no suggestions")
	}
}

func TestValidatorTestPresence(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod":  "module demo\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})

	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	project := &buildspec.Project{
		Name:         "demo",
		Technologies: []string{"go"},
		Features:     []string{"testing"},
	}
	report := v.ValidateProject(project, root)

	found := false
	for _, issue := range report.Errors {
		if issue.Check == "tests" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing tests not flagged: %v", report.Errors)
	}

	// Adding a test file satisfies the check.
	writeTree(t, root, map[string]string{"main_test.go": "package main\n\nimport \"testing\"\n\nfunc TestX(t *testing.T) {}\n"})
	report = v.ValidateProject(project, root)
	for _, issue := range report.Errors {
		if issue.Check == "tests" {
			t.Errorf("tests still flagged after adding test file")
		}
	}
}

func TestValidatorNeverPanicsOnMissingRoot(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), zerolog.Nop())
	report := v.ValidateProject(&buildspec.Project{Name: "demo"}, filepath.Join(t.TempDir(), "absent"))
	// A missing tree yields a report, not a crash.
	if report == nil {
		t.Fatal("nil report")
	}
}
