package python

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"acarunner/internal/grading/plugin"
)

const (
	maxFailureLines  = 5
	maxWarningLines  = 3
	maxFailureLength = 200

	noTestsFeedback = "No tests were collected or executed"
)

var (
	// canonical pytest-json-report summary keys, merged into the four counters
	canonicalKeys = counterKeys{
		total:   []string{"total"},
		passed:  []string{"passed", "xpassed"},
		failed:  []string{"failed", "error", "errors"},
		skipped: []string{"skipped", "xfailed"},
	}
	alternateKeys = counterKeys{
		total:   []string{"collected", "num_tests", "tests_total", "count"},
		passed:  []string{"num_passed", "passed_count", "tests_passed"},
		failed:  []string{"num_failed", "failed_count", "tests_failed", "num_errors"},
		skipped: []string{"num_skipped", "skipped_count", "tests_skipped"},
	}

	stdoutCountPattern = regexp.MustCompile(`(\d+) (passed|failed|skipped|errors?|xfailed|xpassed)\b`)
	assertionMarkers   = []string{"AssertionError", "E   ", "assert "}
)

type counterKeys struct {
	total, passed, failed, skipped []string
}

type counts struct {
	total, passed, failed, skipped int
}

// outcomes reports whether any per-outcome counter is known. A bare total
// is too ambiguous to stop the fallback chain.
func (c counts) outcomes() bool {
	return c.passed+c.failed+c.skipped > 0
}

// parsedReport is the normalized view of one test run's report and output.
type parsedReport struct {
	counts   counts
	stage    string
	duration float64
	feedback string
	warnings []string
}

// parseReport runs the fallback chain over the JSON report (may be nil) and stdout.
func parseReport(data []byte, stdout string) (parsedReport, error) {
	var root map[string]interface{}
	var decodeErr error
	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			decodeErr = fmt.Errorf("test report is malformed: %w", err)
			root = nil
		}
	}

	out := parsedReport{}
	summary := asMap(root["summary"])
	tests := asSlice(root["tests"])

	stages := []struct {
		name   string
		counts counts
	}{
		{"summary", readCounts(summary, canonicalKeys)},
		{"summary-alternate", readCounts(summary, alternateKeys)},
		{"report", readCounts(root, canonicalKeys.merge(alternateKeys))},
		{"tests", tallyTests(tests)},
		{"stdout", scanStdout(stdout)},
	}
	out.stage = "none"
	for _, st := range stages {
		if st.counts.outcomes() {
			out.counts, out.stage = st.counts, st.name
			break
		}
	}
	if out.stage == "none" {
		for _, st := range stages {
			if st.counts.total > 0 {
				out.counts, out.stage = counts{total: st.counts.total}, "total-only"
				break
			}
		}
	}

	if root != nil {
		if d, ok := number(root["duration"]); ok {
			out.duration = d
		}
		out.warnings = warningMessages(asSlice(root["warnings"]))
	}
	out.feedback = composeFeedback(tests, out.counts, out.warnings)
	return out, decodeErr
}

func (k counterKeys) merge(other counterKeys) counterKeys {
	return counterKeys{
		total:   append(append([]string{}, k.total...), other.total...),
		passed:  append(append([]string{}, k.passed...), other.passed...),
		failed:  append(append([]string{}, k.failed...), other.failed...),
		skipped: append(append([]string{}, k.skipped...), other.skipped...),
	}
}

func readCounts(m map[string]interface{}, keys counterKeys) counts {
	if m == nil {
		return counts{}
	}
	return counts{
		total:   firstInt(m, keys.total),
		passed:  sumInts(m, keys.passed),
		failed:  sumInts(m, keys.failed),
		skipped: sumInts(m, keys.skipped),
	}
}

func firstInt(m map[string]interface{}, keys []string) int {
	for _, key := range keys {
		if v, ok := number(m[key]); ok && v > 0 {
			return int(v)
		}
	}
	return 0
}

func sumInts(m map[string]interface{}, keys []string) int {
	total := 0
	for _, key := range keys {
		if v, ok := number(m[key]); ok && v > 0 {
			total += int(v)
		}
	}
	return total
}

func tallyTests(tests []interface{}) counts {
	var c counts
	for _, raw := range tests {
		test := asMap(raw)
		if test == nil {
			continue
		}
		switch outcome, _ := test["outcome"].(string); strings.ToLower(outcome) {
		case "passed", "xpassed":
			c.passed++
		case "failed", "error":
			c.failed++
		case "skipped", "xfailed":
			c.skipped++
		default:
			continue
		}
		c.total++
	}
	return c
}

func scanStdout(stdout string) counts {
	var c counts
	for _, m := range stdoutCountPattern.FindAllStringSubmatch(stdout, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "passed", "xpassed":
			c.passed += n
		case "failed", "error", "errors":
			c.failed += n
		case "skipped", "xfailed":
			c.skipped += n
		}
	}
	return c
}

// composeFeedback renders failures then warnings in report order.
func composeFeedback(tests []interface{}, c counts, warnings []string) string {
	var b strings.Builder
	failures := failureLines(tests)
	switch {
	case len(failures) > 0:
		b.WriteString("Failed tests:")
		for _, line := range failures {
			b.WriteString("\n  • ")
			b.WriteString(line)
		}
	case c.failed > 0:
		fmt.Fprintf(&b, "%d tests failed", c.failed)
	case c.passed > 0:
		fmt.Fprintf(&b, "All %d tests passed!", c.passed)
	case c.total == 0 && !c.outcomes():
		b.WriteString(noTestsFeedback)
	}
	if len(warnings) > 0 {
		fmt.Fprintf(&b, "\nWarnings (%d):", len(warnings))
		for i, w := range warnings {
			if i >= maxWarningLines {
				break
			}
			b.WriteString("\n  • ")
			b.WriteString(w)
		}
	}
	return b.String()
}

func failureLines(tests []interface{}) []string {
	lines := make([]string, 0, maxFailureLines)
	for _, raw := range tests {
		if len(lines) >= maxFailureLines {
			break
		}
		test := asMap(raw)
		if test == nil {
			continue
		}
		outcome, _ := test["outcome"].(string)
		if outcome != "failed" && outcome != "error" {
			continue
		}
		nodeID, _ := test["nodeid"].(string)
		if nodeID == "" {
			nodeID = "<unknown>"
		}
		lines = append(lines, nodeID+": "+failureMessage(test))
	}
	return lines
}

// failureMessage picks the first line of the failing phase carrying an
// assertion marker, markers tried in priority order, else its first line.
func failureMessage(test map[string]interface{}) string {
	for _, phase := range []string{"call", "setup", "teardown"} {
		text := longrepr(asMap(test[phase]))
		if text == "" {
			continue
		}
		lines := make([]string, 0, 8)
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		for _, marker := range assertionMarkers {
			for _, line := range lines {
				if strings.Contains(line, marker) {
					return truncate(line)
				}
			}
		}
		return truncate(lines[0])
	}
	return "failed"
}

func longrepr(phase map[string]interface{}) string {
	if phase == nil {
		return ""
	}
	switch v := phase["longrepr"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if crash := asMap(v["reprcrash"]); crash != nil {
			if msg, ok := crash["message"].(string); ok {
				return msg
			}
		}
	}
	if crash := asMap(phase["crash"]); crash != nil {
		if msg, ok := crash["message"].(string); ok {
			return msg
		}
	}
	return ""
}

func warningMessages(raw []interface{}) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, firstLine(v))
		case map[string]interface{}:
			if msg, ok := v["message"].(string); ok {
				out = append(out, firstLine(msg))
			}
		}
	}
	return out
}

func toTestResult(p parsedReport) plugin.TestResult {
	res := plugin.TestResult{
		TotalTests:    p.counts.total,
		PassedTests:   p.counts.passed,
		FailedTests:   p.counts.failed,
		SkippedTests:  p.counts.skipped,
		Feedback:      p.feedback,
		ExecutionTime: p.duration,
		Errors:        []string{},
		Warnings:      append([]string{}, p.warnings...),
	}
	res.Reconcile()
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s)
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxFailureLength {
		return s
	}
	return string(r[:maxFailureLength]) + "..."
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
