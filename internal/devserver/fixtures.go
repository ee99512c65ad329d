package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Fixtures are the canned results the stub serves once a scan completes.
type Fixtures struct {
	// Report is the GET /report document. contract and metrics are filled
	// in at request time when missing.
	Report    map[string]any
	Manuals   []Manual
	FixedCode string
	PDF       []byte
}

// Manual is one red-team manual as served by GET /manuals.
type Manual struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

const defaultReportJSON = `{
  "code_vulnerabilities": [
    {
      "check": "reentrancy-eth",
      "description": "Reentrancy in Vault.withdraw(uint256): external call before the balance is cleared.",
      "severity": "Critical",
      "line": 27,
      "code": "(bool ok, ) = msg.sender.call{value: amount}(\"\");"
    },
    {
      "check": "tx-origin",
      "description": "Vault.onlyOwner uses tx.origin for authorization.",
      "impact": "Medium",
      "line": 12
    }
  ],
  "logic_vulnerabilities": [
    {
      "original_check": "price-manipulation",
      "explanation": "Collateral is valued from a single AMM pool's spot reserves, which a flash loan can skew within one transaction.",
      "remediation": "Use a time-weighted oracle or aggregate several sources.",
      "code_citation": "uint price = pair.getReserves() ..."
    }
  ]
}`

const defaultFixedCode = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract Vault {
    mapping(address => uint256) public balances;
    bool private locked;

    modifier nonReentrant() {
        require(!locked, "locked");
        locked = true;
        _;
        locked = false;
    }

    function withdraw(uint256 amount) external nonReentrant {
        balances[msg.sender] -= amount;
        (bool ok, ) = msg.sender.call{value: amount}("");
        require(ok, "transfer failed");
    }
}
`

// DefaultFixtures returns a small built-in result set.
func DefaultFixtures() Fixtures {
	var report map[string]any
	if err := json.Unmarshal([]byte(defaultReportJSON), &report); err != nil {
		panic(fmt.Sprintf("devserver: built-in report: %v", err))
	}
	return Fixtures{
		Report: report,
		Manuals: []Manual{
			{ID: "flash_loan_attack.md", Title: "flash loan attack", Content: "1. Borrow 10,000 ETH\n2. Skew the pool\n3. Borrow against inflated collateral\n4. Repay the loan"},
			{ID: "reentrancy_drain.md", Title: "reentrancy drain", Content: "1. Deposit 1 ETH\n2. Withdraw from a contract whose receive() re-enters withdraw()"},
		},
		FixedCode: defaultFixedCode,
		PDF:       []byte("%PDF-1.4\n% smartaudit dev server placeholder report\n%%EOF\n"),
	}
}

// LoadFixtures reads fixtures from dir, falling back to the built-in values
// for anything missing. Layout:
//
//	report.json   the /report document
//	manuals/*.md  one manual per file, title derived from the file name
//	fixed.sol     remediated code
//	report.pdf    served by /download-pdf
func LoadFixtures(dir string) (Fixtures, error) {
	fx := DefaultFixtures()
	if strings.TrimSpace(dir) == "" {
		return fx, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Fixtures{}, fmt.Errorf("devserver: fixtures: %w", err)
	}
	if !info.IsDir() {
		return Fixtures{}, fmt.Errorf("devserver: fixtures: %s is not a directory", dir)
	}

	if data, ok, err := readOptional(filepath.Join(dir, "report.json")); err != nil {
		return Fixtures{}, err
	} else if ok {
		var report map[string]any
		if err := json.Unmarshal(data, &report); err != nil {
			return Fixtures{}, fmt.Errorf("devserver: fixtures: parse report.json: %w", err)
		}
		fx.Report = report
	}

	manualDir := filepath.Join(dir, "manuals")
	entries, err := os.ReadDir(manualDir)
	switch {
	case err == nil:
		var manuals []Manual
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(manualDir, entry.Name()))
			if err != nil {
				return Fixtures{}, fmt.Errorf("devserver: fixtures: read manual %s: %w", entry.Name(), err)
			}
			manuals = append(manuals, Manual{
				ID:      entry.Name(),
				Title:   strings.ReplaceAll(strings.TrimSuffix(entry.Name(), ".md"), "_", " "),
				Content: string(data),
			})
		}
		sort.Slice(manuals, func(i, j int) bool { return manuals[i].ID < manuals[j].ID })
		fx.Manuals = manuals
	case !errors.Is(err, fs.ErrNotExist):
		return Fixtures{}, fmt.Errorf("devserver: fixtures: read manuals: %w", err)
	}

	if data, ok, err := readOptional(filepath.Join(dir, "fixed.sol")); err != nil {
		return Fixtures{}, err
	} else if ok {
		fx.FixedCode = string(data)
	}
	if data, ok, err := readOptional(filepath.Join(dir, "report.pdf")); err != nil {
		return Fixtures{}, err
	} else if ok {
		fx.PDF = data
	}
	return fx, nil
}

func readOptional(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("devserver: fixtures: read %s: %w", filepath.Base(path), err)
	}
	return data, true, nil
}

// reportFor returns a copy of the report document with contract and
// metrics.total_risks filled in.
func (f Fixtures) reportFor(contract string) map[string]any {
	out := make(map[string]any, len(f.Report)+2)
	for k, v := range f.Report {
		out[k] = v
	}
	if _, ok := out["contract"]; !ok {
		out["contract"] = contract
	}
	if _, ok := out["metrics"]; !ok {
		total := listLen(out["code_vulnerabilities"]) + listLen(out["logic_vulnerabilities"])
		out["metrics"] = map[string]any{"total_risks": total}
	}
	return out
}

func listLen(v any) int {
	if list, ok := v.([]any); ok {
		return len(list)
	}
	return 0
}
