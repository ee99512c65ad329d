package pipeline

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kingrea/SmartAudit/internal/audit"
)

type statusResponse struct {
	Status string `json:"status"`
}

type uploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e errorResponse) text() string {
	for _, v := range []string{e.Detail, e.Message, e.Error} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

type codeResponse struct {
	Code string `json:"code"`
}

type reportResponse struct {
	CodeVulnerabilities  []wireFinding    `json:"code_vulnerabilities"`
	LogicVulnerabilities []wireLogicIssue `json:"logic_vulnerabilities"`
	Contract             string           `json:"contract"`
	Metrics              struct {
		TotalRisks int `json:"total_risks"`
	} `json:"metrics"`
}

type wireFinding struct {
	Check       string     `json:"check"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	Impact      string     `json:"impact"`
	Line        lineNumber `json:"line"`
	Code        string     `json:"code"`
}

type wireLogicIssue struct {
	Title         string `json:"title"`
	OriginalCheck string `json:"original_check"`
	Explanation   string `json:"explanation"`
	Remediation   string `json:"remediation"`
	CodeCitation  string `json:"code_citation"`
}

type wireManual struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// lineNumber tolerates the shapes scanners emit for a source line: a number,
// a numeric string, a list of lines (first wins) or null.
type lineNumber struct {
	value *int
}

func (l *lineNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var lines []lineNumber
		if err := json.Unmarshal(data, &lines); err != nil {
			return nil
		}
		for _, candidate := range lines {
			if candidate.value != nil {
				l.value = candidate.value
				return nil
			}
		}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
			l.value = &n
		}
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		if n := int(f); n > 0 {
			l.value = &n
		}
		return nil
	}
}

// Report is the decoded GET /report document.
type Report struct {
	Contract    string
	TotalRisks  int
	Findings    []audit.Finding
	LogicIssues []audit.LogicIssue
}

func (r reportResponse) toReport() Report {
	out := Report{
		Contract:    strings.TrimSpace(r.Contract),
		TotalRisks:  r.Metrics.TotalRisks,
		Findings:    make([]audit.Finding, 0, len(r.CodeVulnerabilities)),
		LogicIssues: make([]audit.LogicIssue, 0, len(r.LogicVulnerabilities)),
	}
	for _, f := range r.CodeVulnerabilities {
		out.Findings = append(out.Findings, f.toFinding())
	}
	for _, issue := range r.LogicVulnerabilities {
		out.LogicIssues = append(out.LogicIssues, issue.toLogicIssue())
	}
	return out
}

// toFinding keeps the raw severity; normalization happens when the bundle is built.
func (f wireFinding) toFinding() audit.Finding {
	severity := strings.TrimSpace(f.Severity)
	if severity == "" {
		severity = strings.TrimSpace(f.Impact)
	}
	return audit.Finding{
		Check:       strings.TrimSpace(f.Check),
		Description: f.Description,
		Severity:    audit.Severity(severity),
		Line:        f.Line.value,
		Code:        f.Code,
	}
}

func (l wireLogicIssue) toLogicIssue() audit.LogicIssue {
	title := strings.TrimSpace(l.Title)
	if title == "" {
		title = strings.TrimSpace(l.OriginalCheck)
	}
	return audit.LogicIssue{
		Title:        title,
		Explanation:  l.Explanation,
		Remediation:  strings.TrimSpace(l.Remediation),
		CodeCitation: l.CodeCitation,
	}
}

func (m wireManual) toManual() audit.ExploitManual {
	title := strings.TrimSpace(m.Title)
	if title == "" {
		title = strings.ReplaceAll(strings.TrimSuffix(m.ID, ".md"), "_", " ")
	}
	return audit.ExploitManual{ID: m.ID, Title: title, Content: m.Content}
}
