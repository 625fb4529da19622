package reasoning

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/hybridqa/retrieval"
)

// numberRe matches integers and decimals with optional thousands separators.
var numberRe = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)

// validationResult holds the outcome of the grounding check.
type validationResult struct {
	issues []string
}

func (v *validationResult) grounded() bool {
	return len(v.issues) == 0
}

// checkNumbers verifies that every number in answer appears in the rows.
// Counts of rows and list indices up to the row count are also accepted.
// Resolved addresses are masked out of the answer first; numbers from the
// question ground nothing.
func checkNumbers(answer string, in Input) *validationResult {
	allowed := make(map[float64]bool)
	addNumbers := func(s string) {
		for _, n := range extractNumbers(s) {
			allowed[n] = true
		}
	}

	answer = maskAddresses(answer, in.Entities)

	rows := 0
	if in.Result != nil {
		rows = len(in.Result.Rows)
		for _, r := range in.Result.Rows {
			for _, v := range r {
				addNumbers(formatValue(v))
			}
		}
	}
	for i := 0; i <= rows; i++ {
		allowed[float64(i)] = true
	}

	result := &validationResult{}
	seen := make(map[float64]bool)
	for _, n := range extractNumbers(answer) {
		if seen[n] {
			continue
		}
		seen[n] = true
		if !matches(allowed, n) {
			result.issues = append(result.issues,
				fmt.Sprintf("number %s is not in the query results", strconv.FormatFloat(n, 'f', -1, 64)))
		}
	}
	return result
}

// maskAddresses blanks every occurrence of a resolved entity's canonical
// address or mention text in answer.
func maskAddresses(answer string, entities []retrieval.Resolution) string {
	for _, e := range entities {
		if !e.Resolved {
			continue
		}
		for _, text := range []string{e.Canonical, e.Mention} {
			if text = strings.TrimSpace(text); text == "" {
				continue
			}
			re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(text))
			answer = re.ReplaceAllString(answer, " ")
		}
	}
	return answer
}

// matches accepts n when it equals an allowed value, or a fractional
// allowed value rounded to two decimals or to an integer: 1234.567
// grounds "1,234.57" and "1,235".
func matches(allowed map[float64]bool, n float64) bool {
	if allowed[n] {
		return true
	}
	for a := range allowed {
		if a == math.Trunc(a) {
			continue
		}
		if near(math.Round(a*100)/100, n) || near(math.Round(a), n) {
			return true
		}
	}
	return false
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func extractNumbers(s string) []float64 {
	var out []float64
	for _, m := range numberRe.FindAllString(s, -1) {
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

// formatValue renders a result cell for prompts and fallback answers.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "n/a"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(x)
	}
}
