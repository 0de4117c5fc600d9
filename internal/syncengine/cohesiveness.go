package syncengine

import (
	"math"
	"strings"
	"time"

	"github.com/blackroad/repoplane/internal/domain"
)

// Score computes the deterministic cohesiveness score for a repository
// structure. Sub-scores start at 100 and penalties floor at 0; the overall
// score is the rounded arithmetic mean of the four sub-scores.
// Parameters:
//   - structure: discovered repository layout.
//   - now: timestamp recorded as CheckedAt.
//
// Returns:
//   - *domain.CohesivenessScore: score with emitted issues.
func Score(structure domain.RepoStructure, now time.Time) *domain.CohesivenessScore {
	score := &domain.CohesivenessScore{
		Structure:    100,
		Naming:       100,
		Dependencies: 100,
		Config:       100,
		CheckedAt:    now,
	}

	if !structure.HasPackageJSON {
		score.Config -= 30
		score.Issues = append(score.Issues, domain.CohesivenessIssue{
			Type:        domain.IssueMissingConfig,
			Severity:    domain.SeverityWarning,
			Message:     "project manifest is missing",
			Path:        "package.json",
			Suggestion:  "add a package.json declaring the project metadata",
			AutoFixable: true,
		})
	}
	if !structure.HasTSConfig {
		score.Config -= 20
		score.Issues = append(score.Issues, domain.CohesivenessIssue{
			Type:        domain.IssueMissingConfig,
			Severity:    domain.SeverityInfo,
			Message:     "type configuration is missing",
			Path:        "tsconfig.json",
			Suggestion:  "add a tsconfig.json with the shared compiler options",
			AutoFixable: true,
		})
	}
	if !structure.HasWrangler {
		score.Config -= 25
		score.Issues = append(score.Issues, domain.CohesivenessIssue{
			Type:        domain.IssueMissingConfig,
			Severity:    domain.SeverityWarning,
			Message:     "deployment configuration is missing",
			Path:        "wrangler.toml",
			Suggestion:  "add a wrangler.toml so the repo can be deployed",
			AutoFixable: true,
		})
	}

	if !hasDirectory(structure.Directories, "src") && len(structure.Files) > 5 {
		score.Structure -= 20
		score.Issues = append(score.Issues, domain.CohesivenessIssue{
			Type:        domain.IssueStructureMismatch,
			Severity:    domain.SeverityInfo,
			Message:     "source files are not grouped under src/",
			Suggestion:  "move source files into a src/ directory",
			AutoFixable: false,
		})
	}
	if !hasReadme(structure.Files) {
		score.Structure -= 10
		score.Issues = append(score.Issues, domain.CohesivenessIssue{
			Type:        domain.IssueMissingConfig,
			Severity:    domain.SeverityInfo,
			Message:     "README is missing",
			Path:        "README.md",
			Suggestion:  "add a README describing the repository",
			AutoFixable: true,
		})
	}

	if score.Config < 0 {
		score.Config = 0
	}
	if score.Structure < 0 {
		score.Structure = 0
	}

	sum := score.Structure + score.Naming + score.Dependencies + score.Config
	score.Overall = int(math.Round(float64(sum) / 4.0))
	return score
}

// hasDirectory reports whether name appears in dirs as a top-level
// directory, matching the bare name or any path nested under it.
func hasDirectory(dirs []string, name string) bool {
	for _, d := range dirs {
		trimmed := strings.Trim(d, "/")
		if trimmed == name || strings.HasPrefix(trimmed, name+"/") {
			return true
		}
	}
	return false
}

// hasReadme reports whether files contains a README at the repo root,
// case-insensitive, any extension.
func hasReadme(files []string) bool {
	for _, f := range files {
		if strings.Contains(f, "/") {
			continue // only root-level files count
		}
		name := strings.ToLower(f)
		if name == "readme" || strings.HasPrefix(name, "readme.") {
			return true
		}
	}
	return false
}
