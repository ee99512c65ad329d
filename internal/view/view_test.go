package view

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/SmartAudit/internal/audit"
)

func line(n int) *int { return &n }

func sampleBundle() *audit.Bundle {
	return audit.NewBundle(audit.BundleParts{
		SessionID: "s1",
		Contract:  "Vault.sol",
		Findings: []audit.Finding{
			{Check: "timestamp", Description: "Uses block.timestamp. Miners can skew it.", Severity: "Low"},
			{Check: "mystery", Description: "", Severity: "Unknown"},
			{Check: "reentrancy-eth", Description: "Reentrancy in withdraw()", Severity: "Critical", Line: line(42)},
		},
		LogicIssues: []audit.LogicIssue{
			{Title: "price-manipulation", Explanation: "Spot price from a single pool."},
		},
		Manuals: []audit.ExploitManual{
			{Title: "Flash loan", Content: "1. borrow"},
			{Title: "Oracle drift", Content: "1. skew"},
		},
		RemediatedCode: "contract Vault {\n  uint x;\n  bool locked;\n}\n",
	})
}

func TestParseTab(t *testing.T) {
	cases := map[string]Tab{
		"":           TabFindings,
		"findings":   TabFindings,
		"Logic":      TabLogic,
		"red-team":   TabRedTeam,
		"fixed-code": TabCode,
		"diff":       TabCode,
	}
	for raw, want := range cases {
		got, err := ParseTab(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseTab("pdf")
	assert.Error(t, err)
}

func TestTabNextWraps(t *testing.T) {
	assert.Equal(t, TabLogic, TabFindings.Next())
	assert.Equal(t, TabFindings, TabCode.Next())
	assert.Equal(t, "Verified Findings", TabFindings.Label())
}

func TestProjectFindingsOrdersCriticalFirst(t *testing.T) {
	content := Project(sampleBundle(), TabFindings, Source{})
	require.False(t, content.Empty)
	require.Len(t, content.Findings, 3)
	assert.Equal(t, audit.SeverityCritical, content.Findings[0].Severity)
	assert.Equal(t, 42, content.Findings[0].Line)
	assert.Equal(t, "mystery", content.Findings[1].Check)
	assert.Equal(t, audit.SeverityMedium, content.Findings[1].Severity, "unknown severity is shown as Medium")
	assert.Equal(t, "No description available.", content.Findings[1].Summary)
	assert.Equal(t, noDescription, content.Findings[1].Description)
	assert.Equal(t, audit.SeverityLow, content.Findings[2].Severity)
	assert.Equal(t, "Uses block.", content.Findings[2].Summary)
}

func TestProjectIsDeterministic(t *testing.T) {
	bundle := sampleBundle()
	for _, tab := range Tabs() {
		src := Source{Text: "contract Vault {\n  uint x;\n}\n", Captured: true}
		assert.Equal(t, Project(bundle, tab, src), Project(bundle, tab, src), tab)
	}
}

func TestProjectEmptyStates(t *testing.T) {
	empty := audit.NewBundle(audit.BundleParts{SessionID: "s1"})

	findings := Project(empty, TabFindings, Source{})
	assert.True(t, findings.Empty)
	assert.Equal(t, "No static vulnerabilities detected.", findings.Message)

	assert.True(t, Project(empty, TabLogic, Source{}).Empty)
	assert.True(t, Project(empty, TabRedTeam, Source{}).Empty)

	none := Project(nil, TabFindings, Source{})
	assert.True(t, none.Empty)
	assert.Nil(t, none.Findings)
}

func TestProjectLogicIsVerified(t *testing.T) {
	content := Project(sampleBundle(), TabLogic, Source{})
	require.Len(t, content.Logic, 1)
	assert.True(t, content.Logic[0].Verified)
	assert.Equal(t, noCitation, content.Logic[0].CodeCitation)
}

func TestProjectManualsSelectsFirst(t *testing.T) {
	content := Project(sampleBundle(), TabRedTeam, Source{})
	require.Len(t, content.Manuals, 2)
	selected, ok := content.SelectedManual()
	require.True(t, ok)
	assert.Equal(t, "Flash loan", selected.Title)

	moved := content.WithSelectedManual(5)
	selected, _ = moved.SelectedManual()
	assert.Equal(t, "Oracle drift", selected.Title)
	first, _ := content.SelectedManual()
	assert.Equal(t, "Flash loan", first.Title, "original content untouched")
}

func TestProjectCodeDiff(t *testing.T) {
	src := Source{Text: "contract Vault {\r\n  uint x;\r\n}\r\n", Captured: true}
	content := Project(sampleBundle(), TabCode, src)
	require.NotNil(t, content.Diff)
	assert.False(t, content.Degraded)
	assert.Equal(t, 1, content.Diff.Added)
	assert.Equal(t, 0, content.Diff.Removed)

	var added []string
	for _, l := range content.Diff.Lines {
		if l.Kind == DiffAdded {
			added = append(added, l.Text)
		}
	}
	assert.Equal(t, []string{"  bool locked;"}, added)
}

func TestProjectCodeDegradesWithoutOriginal(t *testing.T) {
	content := Project(sampleBundle(), TabCode, Source{Err: errors.New("invalid utf-8")})
	assert.True(t, content.Degraded)
	assert.Contains(t, content.DegradedReason, "invalid utf-8")
	require.NotNil(t, content.Diff)
	assert.Empty(t, content.Diff.Original, "the original is never fabricated")
	assert.Equal(t, "contract Vault {\n  uint x;\n  bool locked;\n}\n", content.Diff.Remediated)
	assert.Zero(t, content.Diff.Added)
}

func TestSourceFromSession(t *testing.T) {
	assert.Equal(t, Source{}, SourceFromSession(nil))
	src := SourceFromSession(&audit.Session{Source: "x", SourceCaptured: true})
	assert.True(t, src.Captured)
	assert.Equal(t, "x", src.Text)
}

func TestSummary(t *testing.T) {
	summary := Summary(sampleBundle())
	assert.Equal(t, 4, summary.TotalRisks)
	assert.Equal(t, 3, summary.Findings)
	assert.Equal(t, 2, summary.Manuals)
	require.Len(t, summary.Severities, 5)
	assert.Equal(t, audit.SeverityCritical, summary.Severities[0].Severity)
	assert.Equal(t, 1, summary.Severities[0].Count)
	assert.Equal(t, "4 risks · 1 Critical · 1 Medium · 1 Low · 1 verified logic issue", summary.String())
	assert.Equal(t, SummaryData{}, Summary(nil))
}

func TestSourceForPrefersCanonicalText(t *testing.T) {
	sess := &audit.Session{Source: "captured", SourceCaptured: true}
	canonical := audit.NewBundle(audit.BundleParts{SessionID: "s1", OriginalSource: "served", HasOriginal: true})
	src := SourceFor(canonical, sess)
	assert.True(t, src.Canonical)
	assert.Equal(t, "served", src.Text)

	fallback := SourceFor(audit.NewBundle(audit.BundleParts{SessionID: "s1"}), sess)
	assert.False(t, fallback.Canonical)
	assert.Equal(t, "captured", fallback.Text)

	failed := SourceFor(nil, &audit.Session{SourceErr: errors.New("bad bytes")})
	assert.False(t, failed.Captured)
	assert.Error(t, failed.Err)
}
