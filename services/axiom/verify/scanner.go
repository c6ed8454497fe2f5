// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"golang.org/x/mod/modfile"
)

// Severity of a scan finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityPenalty = map[Severity]float64{
	SeverityCritical: 0.5,
	SeverityHigh:     0.3,
	SeverityMedium:   0.15,
	SeverityLow:      0.05,
}

// SecurityPattern flags risky code by regex.
type SecurityPattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Severity    Severity
	Description string
	// Languages restricts the pattern; empty means all.
	Languages []string
}

// Finding is one issue found by the scanner.
type Finding struct {
	Path     string   `json:"path"`
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// ScanResult is the quality score of an attempt's files.
type ScanResult struct {
	// Score is in [0,1]; 0 when nothing was scanned.
	Score        float64   `json:"score"`
	FilesScanned int       `json:"files_scanned"`
	Findings     []Finding `json:"findings,omitempty"`
}

// Scanner scores created files for full-mode simulations: security
// patterns, tree-sitter syntax errors and go.mod validity.
type Scanner struct {
	patterns     []SecurityPattern
	maxFileBytes int64
}

// NewScanner creates a Scanner with the default security patterns.
func NewScanner() *Scanner {
	return &Scanner{patterns: DefaultSecurityPatterns(), maxFileBytes: 1 << 20}
}

// DefaultSecurityPatterns returns the built-in pattern list.
func DefaultSecurityPatterns() []SecurityPattern {
	return []SecurityPattern{
		{
			Name:        "command_injection",
			Pattern:     regexp.MustCompile(`(?i)(exec\.Command|os\.system|subprocess\.(?:call|run|Popen))\s*\([^)]*\+`),
			Severity:    SeverityCritical,
			Description: "command built by string concatenation",
		},
		{
			Name:        "shell_true",
			Pattern:     regexp.MustCompile(`subprocess\.\w+\([^)]*shell\s*=\s*True`),
			Severity:    SeverityHigh,
			Description: "subprocess with shell=True",
			Languages:   []string{"python"},
		},
		{
			Name:        "hardcoded_secret",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey|token)\s*[=:]\s*["'][^"']{8,}["']`),
			Severity:    SeverityHigh,
			Description: "hardcoded credential",
		},
		{
			Name:        "unsafe_deserialize",
			Pattern:     regexp.MustCompile(`pickle\.loads?\(|yaml\.load\([^)]*\)`),
			Severity:    SeverityCritical,
			Description: "unsafe deserialization",
			Languages:   []string{"python"},
		},
		{
			Name:        "eval_usage",
			Pattern:     regexp.MustCompile(`(?:^|[^.\w])eval\s*\(`),
			Severity:    SeverityHigh,
			Description: "dynamic code evaluation",
		},
		{
			Name:        "tls_disabled",
			Pattern:     regexp.MustCompile(`(?i)(verify\s*=\s*False|InsecureSkipVerify\s*:\s*true|CERT_NONE)`),
			Severity:    SeverityHigh,
			Description: "TLS verification disabled",
		},
		{
			Name:        "weak_hash",
			Pattern:     regexp.MustCompile(`(?i)\b(md5|sha1)\s*\(`),
			Severity:    SeverityMedium,
			Description: "weak hash algorithm",
		},
	}
}

// Scan scores the given files (relative to dir).
//
// Description:
//
//	Starts from 1.0 and subtracts a severity penalty per security finding,
//	0.3 per file with syntax errors and 0.3 for an unparsable go.mod. The
//	result is clamped to [0,1]. Unreadable or non-code files are skipped.
func (s *Scanner) Scan(ctx context.Context, dir string, files []string) (*ScanResult, error) {
	result := &ScanResult{Score: 1.0}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))

		if filepath.Base(rel) == "go.mod" {
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			result.FilesScanned++
			if _, err := modfile.Parse(rel, data, nil); err != nil {
				result.add(Finding{Path: rel, Kind: "invalid_go_mod", Severity: SeverityHigh, Message: err.Error()}, 0.3)
			}
			continue
		}

		if !IsCodeFile(rel) {
			continue
		}
		info, err := os.Stat(full)
		if err != nil || info.Size() > s.maxFileBytes {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		result.FilesScanned++
		lang := languageOf(rel)

		for _, f := range s.scanSecurity(rel, lang, string(data)) {
			result.add(f, severityPenalty[f.Severity])
		}

		if f, ok := checkSyntax(ctx, rel, lang, data); ok {
			result.add(f, 0.3)
		}
	}

	if result.FilesScanned == 0 {
		result.Score = 0
	}
	if result.Score < 0 {
		result.Score = 0
	}
	return result, nil
}

func (r *ScanResult) add(f Finding, penalty float64) {
	r.Findings = append(r.Findings, f)
	r.Score -= penalty
}

func (s *Scanner) scanSecurity(path, lang, code string) []Finding {
	var findings []Finding
	for _, p := range s.patterns {
		if len(p.Languages) > 0 && !contains(p.Languages, lang) {
			continue
		}
		for _, loc := range p.Pattern.FindAllStringIndex(code, 20) {
			findings = append(findings, Finding{
				Path:     path,
				Kind:     p.Name,
				Severity: p.Severity,
				Message:  p.Description,
				Line:     strings.Count(code[:loc[0]], "\n") + 1,
			})
		}
	}
	return findings
}

// checkSyntax parses code with tree-sitter and reports the first error node.
func checkSyntax(ctx context.Context, path, lang string, code []byte) (Finding, bool) {
	tsLang := treeSitterLanguage(lang)
	if tsLang == nil {
		return Finding{}, false
	}
	parser := sitter.NewParser()
	parser.SetLanguage(tsLang)

	tree, err := parser.ParseCtx(ctx, nil, code)
	if err != nil {
		return Finding{}, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return Finding{}, false
	}
	line := 0
	if node := firstError(root, 0); node != nil {
		line = int(node.StartPoint().Row) + 1
	}
	return Finding{
		Path:     path,
		Kind:     "syntax_error",
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%s syntax error", lang),
		Line:     line,
	}, true
}

func firstError(node *sitter.Node, depth int) *sitter.Node {
	if node == nil || depth > 1000 {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := firstError(node.Child(i), depth+1); found != nil {
			return found
		}
	}
	return nil
}

func languageOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".sh", ".bash":
		return "bash"
	default:
		return ""
	}
}

func treeSitterLanguage(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	case "rust":
		return rust.GetLanguage()
	case "bash":
		return bash.GetLanguage()
	default:
		return nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
