package engine

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
)

// Severity levels for validation issues.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// ValidationIssue is one finding.
type ValidationIssue struct {
	Check    string `json:"check"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity"`
}

// ValidationReport is the outcome of a validation pass. Validation never
// crashes the orchestrator; failures are recorded here and surfaced.
type ValidationReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	ProjectID    string            `json:"project_id"`
	PhaseID      string            `json:"phase_id,omitempty"`
	Errors       []ValidationIssue `json:"errors,omitempty"`
	Warnings     []ValidationIssue `json:"warnings,omitempty"`
	PassedChecks []string          `json:"passed_checks,omitempty"`
	FailedChecks []string          `json:"failed_checks,omitempty"`
	Metrics      map[string]any    `json:"metrics,omitempty"`
	Suggestions  []string          `json:"suggestions,omitempty"`
}

// Valid reports whether no errors were found.
func (r *ValidationReport) Valid() bool { return len(r.Errors) == 0 }

// ValidatorConfig toggles individual checks.
type ValidatorConfig struct {
	Syntax        bool
	Imports       bool
	Structure     bool
	Dependencies  bool
	Tests         bool
	Documentation bool
}

// DefaultValidatorConfig enables every check.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Syntax:        true,
		Imports:       true,
		Structure:     true,
		Dependencies:  true,
		Tests:         true,
		Documentation: true,
	}
}

// Validator runs declarative checks over an emitted source tree.
type Validator struct {
	cfg ValidatorConfig
	log zerolog.Logger
}

// NewValidator builds a validator.
func NewValidator(cfg ValidatorConfig, log zerolog.Logger) *Validator {
	return &Validator{cfg: cfg, log: log}
}

// ValidateProject runs all enabled checks over the output tree.
func (v *Validator) ValidateProject(project *buildspec.Project, root string) *ValidationReport {
	report := &ValidationReport{
		Timestamp: time.Now().UTC(),
		ProjectID: project.Name,
		Metrics:   make(map[string]any),
	}

	type check struct {
		name    string
		enabled bool
		fn      func(*buildspec.Project, string, *ValidationReport)
	}
	checks := []check{
		{"syntax", v.cfg.Syntax, v.checkSyntax},
		{"imports", v.cfg.Imports, v.checkImports},
		{"structure", v.cfg.Structure, v.checkStructure},
		{"dependencies", v.cfg.Dependencies, v.checkDependencies},
		{"tests", v.cfg.Tests, v.checkTests},
		{"documentation", v.cfg.Documentation, v.checkDocumentation},
	}

	for _, c := range checks {
		if !c.enabled {
			continue
		}
		before := len(report.Errors)
		c.fn(project, root, report)
		if len(report.Errors) > before {
			report.FailedChecks = append(report.FailedChecks, c.name)
		} else {
			report.PassedChecks = append(report.PassedChecks, c.name)
		}
	}

	report.Metrics["error_count"] = len(report.Errors)
	report.Metrics["warning_count"] = len(report.Warnings)
	report.Metrics["severity_distribution"] = severityDistribution(report)
	report.Suggestions = suggestions(report)

	v.log.Info().
		Int("errors", len(report.Errors)).
		Int("warnings", len(report.Warnings)).
		Msg("validation complete")
	return report
}

// checkSyntax parses every Go and JSON file in the tree. Any parse error
// is a high-severity finding with file and line.
func (v *Validator) checkSyntax(_ *buildspec.Project, root string, report *ValidationReport) {
	files := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)

		switch filepath.Ext(path) {
		case ".go":
			files++
			fset := token.NewFileSet()
			if _, perr := parser.ParseFile(fset, path, nil, parser.AllErrors); perr != nil {
				line := 0
				msg := perr.Error()
				var list scanner.ErrorList
				if errorsAs(perr, &list) && len(list) > 0 {
					line = list[0].Pos.Line
					msg = list[0].Msg
				}
				report.Errors = append(report.Errors, ValidationIssue{
					Check: "syntax", Message: msg, File: rel, Line: line, Severity: SeverityHigh,
				})
			}
		case ".json":
			files++
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil
			}
			var out any
			if jerr := json.Unmarshal(data, &out); jerr != nil {
				report.Errors = append(report.Errors, ValidationIssue{
					Check: "syntax", Message: jerr.Error(), File: rel, Severity: SeverityHigh,
				})
			}
		}
		return nil
	})
	report.Metrics["files_parsed"] = files
}

// checkImports verifies every third-party import in Go files appears in
// go.mod. Standard-library imports (no dot in the first path element) are
// skipped.
func (v *Validator) checkImports(_ *buildspec.Project, root string, report *ValidationReport) {
	modPath := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(modPath)
	if err != nil {
		// No module manifest: nothing to resolve against.
		return
	}
	declared := make(map[string]bool)
	var modulePath string
	for _, dep := range goModRequires(string(data)) {
		declared[dep] = true
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "module ") {
			modulePath = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "module "))
			break
		}
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".go" {
			return nil
		}
		rel, _ := filepath.Rel(root, path)

		fset := token.NewFileSet()
		file, perr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if perr != nil {
			return nil
		}
		for _, imp := range file.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			first := strings.SplitN(importPath, "/", 2)[0]
			if !strings.Contains(first, ".") {
				continue // standard library
			}
			if modulePath != "" && strings.HasPrefix(importPath, modulePath) {
				continue
			}
			resolved := false
			for dep := range declared {
				if importPath == dep || strings.HasPrefix(importPath, dep+"/") {
					resolved = true
					break
				}
			}
			if !resolved {
				report.Errors = append(report.Errors, ValidationIssue{
					Check:    "imports",
					Message:  fmt.Sprintf("unresolved import %q", importPath),
					File:     rel,
					Line:     fset.Position(imp.Pos()).Line,
					Severity: SeverityMedium,
				})
			}
		}
		return nil
	})
}

// checkStructure verifies the manifest files that the declared
// technologies require (a Go project needs go.mod, a Node project
// package.json). Paths named in validation tasks are not checked here.
func (v *Validator) checkStructure(project *buildspec.Project, root string, report *ValidationReport) {
	required := requiredManifests(project)
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			report.Errors = append(report.Errors, ValidationIssue{
				Check:    "structure",
				Message:  fmt.Sprintf("required file %s missing", name),
				File:     name,
				Severity: SeverityHigh,
			})
		}
	}
}

func requiredManifests(project *buildspec.Project) []string {
	var required []string
	for _, tech := range project.Technologies {
		switch strings.ToLower(tech) {
		case "go", "golang":
			required = append(required, "go.mod")
		case "node", "nodejs", "javascript", "typescript":
			required = append(required, "package.json")
		case "python":
			required = append(required, "pyproject.toml")
		case "rust":
			required = append(required, "Cargo.toml")
		}
	}
	return required
}

// checkDependencies cross-checks manifests against declared technologies:
// a manifest for a technology the spec never declared is a warning, a
// declared technology without its manifest was already caught by
// structure.
func (v *Validator) checkDependencies(project *buildspec.Project, root string, report *ValidationReport) {
	declared := make(map[string]bool)
	for _, tech := range project.Technologies {
		declared[strings.ToLower(tech)] = true
	}

	manifestTech := map[string]string{
		"go.mod":         "go",
		"package.json":   "node",
		"pyproject.toml": "python",
		"Cargo.toml":     "rust",
	}
	for manifest, tech := range manifestTech {
		if _, err := os.Stat(filepath.Join(root, manifest)); err != nil {
			continue
		}
		if len(declared) > 0 && !declaresTech(declared, tech) {
			report.Warnings = append(report.Warnings, ValidationIssue{
				Check:    "dependencies",
				Message:  fmt.Sprintf("%s present but %s is not a declared technology", manifest, tech),
				File:     manifest,
				Severity: SeverityLow,
			})
		}
	}
}

func declaresTech(declared map[string]bool, tech string) bool {
	aliases := map[string][]string{
		"go":     {"go", "golang"},
		"node":   {"node", "nodejs", "javascript", "typescript"},
		"python": {"python"},
		"rust":   {"rust"},
	}
	for _, alias := range aliases[tech] {
		if declared[alias] {
			return true
		}
	}
	return false
}

// checkTests requires test files when a phase name or a declared feature
// mentions tests.
func (v *Validator) checkTests(project *buildspec.Project, root string, report *ValidationReport) {
	wantsTests := false
	for _, feature := range project.Features {
		if strings.Contains(strings.ToLower(feature), "test") {
			wantsTests = true
		}
	}
	for _, phase := range project.Phases {
		if strings.Contains(strings.ToLower(phase.Name), "test") {
			wantsTests = true
		}
	}
	if !wantsTests {
		return
	}

	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, "_test.go") || strings.HasSuffix(name, ".test.js") || strings.HasPrefix(name, "test_") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if !found {
		report.Errors = append(report.Errors, ValidationIssue{
			Check:    "tests",
			Message:  "test-bearing project has no test files",
			Severity: SeverityMedium,
		})
	}
}

// checkDocumentation requires a README at the root.
func (v *Validator) checkDocumentation(_ *buildspec.Project, root string, report *ValidationReport) {
	for _, candidate := range []string{"README.md", "README", "readme.md"} {
		if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
			return
		}
	}
	report.Warnings = append(report.Warnings, ValidationIssue{
		Check:    "documentation",
		Message:  "no README found at project root",
		Severity: SeverityLow,
	})
}

// errorsAs wraps errors.As for the scanner.ErrorList case; ParseFile
// returns the list directly, not wrapped.
func errorsAs(err error, list *scanner.ErrorList) bool {
	if l, ok := err.(scanner.ErrorList); ok {
		*list = l
		return true
	}
	return false
}

func severityDistribution(report *ValidationReport) map[string]int {
	dist := map[string]int{}
	for _, issue := range report.Errors {
		dist[issue.Severity]++
	}
	for _, issue := range report.Warnings {
		dist[issue.Severity]++
	}
	return dist
}

func suggestions(report *ValidationReport) []string {
	var out []string
	for _, check := range report.FailedChecks {
		switch check {
		case "syntax":
			out = append(out, "Fix the reported parse errors before rerunning validation")
		case "imports":
			out = append(out, "Add missing modules to go.mod or remove the unresolved imports")
		case "structure":
			out = append(out, "Generate the missing manifest files for the declared technologies")
		case "tests":
			out = append(out, "Add test files for the test-bearing phases")
		}
	}
	if len(report.Warnings) > 0 && len(out) == 0 {
		out = append(out, "Review the warnings; none block the build")
	}
	return out
}
