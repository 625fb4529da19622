package querygen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/brunobiangulo/hybridqa/graph"
	"github.com/brunobiangulo/hybridqa/llm"
)

// ErrRejected is returned when a generated query fails read-only
// validation. The pipeline treats it like a store syntax error.
var ErrRejected = errors.New("querygen: query rejected")

var (
	sqlStarts = map[string]bool{"SELECT": true, "WITH": true}
	sqlDenied = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true, "ALTER": true,
		"CREATE": true, "ATTACH": true, "DETACH": true, "PRAGMA": true, "VACUUM": true,
		"REINDEX": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true, "UPSERT": true,
		"MERGE": true, "LOAD": true, "LOAD_EXTENSION": true,
	}
	// Functions that reach outside the database or run a string as code.
	sqlDeniedCalls = map[string]bool{
		"READFILE": true, "WRITEFILE": true, "EDIT": true, "FTS3_TOKENIZER": true,
	}

	cypherStarts = map[string]bool{"MATCH": true, "OPTIONAL": true, "WITH": true, "UNWIND": true, "RETURN": true}
	cypherDenied = map[string]bool{
		"CREATE": true, "MERGE": true, "DELETE": true, "DETACH": true, "SET": true,
		"REMOVE": true, "DROP": true, "LOAD": true, "FOREACH": true, "CALL": true, "USE": true,
	}
	// Namespaces of the built-in Cypher functions. Any other namespaced
	// call is a plugin function (apoc.cypher.run, apoc.do.when, ...) and
	// may execute a string as a write query.
	cypherNamespaces = map[string]bool{
		"POINT": true, "VECTOR": true, "DATE": true, "DATETIME": true,
		"LOCALDATETIME": true, "LOCALTIME": true, "TIME": true, "DURATION": true,
	}
)

// word is a bare keyword or identifier found outside literals.
type word struct {
	text       string // upper-cased
	afterDot   bool   // property or column access such as l.set
	beforeCall bool   // followed by "(", i.e. a function call

	// root is the first name of a dotted chain such as apoc.cypher.run;
	// it is empty when the chain passes through a quoted name.
	root string
}

// Clean strips code fences, surrounding whitespace and trailing
// semicolons from reasoning output.
func Clean(raw string) string {
	q := strings.TrimSpace(llm.StripFences(raw))
	for strings.HasSuffix(q, ";") {
		q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	}
	return q
}

// Validate checks that q is a single read-only statement in dialect.
// Keywords inside string literals and quoted identifiers are ignored.
func Validate(dialect, q string) error {
	var starts, denied map[string]bool
	switch dialect {
	case graph.DialectSQL:
		starts, denied = sqlStarts, sqlDenied
	case graph.DialectCypher:
		starts, denied = cypherStarts, cypherDenied
	default:
		return fmt.Errorf("%w: unknown dialect %q", ErrRejected, dialect)
	}

	words, err := scan(dialect, q)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: empty query", ErrRejected)
	}
	if !starts[words[0].text] {
		return fmt.Errorf("%w: must start with one of %s, got %s", ErrRejected, keys(starts), words[0].text)
	}

	for i, w := range words {
		if dialect == graph.DialectCypher && w.beforeCall && w.afterDot && !cypherNamespaces[w.root] {
			return fmt.Errorf("%w: function %s is not allowed", ErrRejected, strings.ToLower(callName(w)))
		}
		if dialect == graph.DialectSQL && w.beforeCall && sqlDeniedCalls[w.text] {
			return fmt.Errorf("%w: %s() is not allowed", ErrRejected, w.text)
		}
		if w.afterDot {
			continue
		}
		if dialect == graph.DialectSQL && w.text == "REPLACE" {
			// replace(x, y, z) is a string function; REPLACE INTO is a write.
			if !w.beforeCall || i == 0 {
				return fmt.Errorf("%w: REPLACE statement", ErrRejected)
			}
			continue
		}
		if denied[w.text] {
			return fmt.Errorf("%w: %s is not allowed", ErrRejected, w.text)
		}
	}
	return nil
}

// scan tokenises q into words outside literals, rejecting comments,
// statement separators and unterminated literals.
func scan(dialect, q string) ([]word, error) {
	var words []word
	rs := []rune(q)
	n := len(rs)

	prevSignificant := rune(0)
	dotAfterWord := false
	for i := 0; i < n; {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
			continue

		case c == '-' && i+1 < n && rs[i+1] == '-':
			return nil, errors.New("comments are not allowed")
		case c == '/' && i+1 < n && (rs[i+1] == '*' || rs[i+1] == '/'):
			return nil, errors.New("comments are not allowed")
		case c == ';':
			return nil, errors.New("multiple statements are not allowed")

		case c == '\'' || c == '"' || c == '`' || (c == '[' && dialect == graph.DialectSQL && isIdentStart(peek(rs, i+1))):
			end, err := skipQuoted(dialect, rs, i)
			if err != nil {
				return nil, err
			}
			i = end
			prevSignificant = 'q'
			continue

		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(rs[j]) {
				j++
			}
			k := j
			for k < n && unicode.IsSpace(rs[k]) {
				k++
			}
			w := word{
				text:       strings.ToUpper(string(rs[i:j])),
				afterDot:   prevSignificant == '.',
				beforeCall: k < n && rs[k] == '(',
			}
			switch {
			case !w.afterDot:
				w.root = w.text
			case dotAfterWord && len(words) > 0:
				w.root = words[len(words)-1].root
			}
			words = append(words, w)
			i = j
			prevSignificant = 'w'
			continue
		}
		if c == '.' {
			dotAfterWord = prevSignificant == 'w'
		}
		prevSignificant = c
		i++
	}
	return words, nil
}

// skipQuoted returns the index just past the literal or quoted identifier
// starting at rs[i].
func skipQuoted(dialect string, rs []rune, i int) (int, error) {
	open := rs[i]
	closer := open
	if open == '[' {
		closer = ']'
	}
	for j := i + 1; j < len(rs); j++ {
		c := rs[j]
		if c == '\\' && dialect == graph.DialectCypher && open != '`' {
			j++
			continue
		}
		if c == closer {
			// SQL quotes and backticks escape themselves by doubling.
			doubled := dialect == graph.DialectSQL || open == '`'
			if doubled && open != '[' && j+1 < len(rs) && rs[j+1] == closer {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated %c literal", open)
}

func callName(w word) string {
	if w.root == "" {
		return w.text
	}
	return w.root + ".*." + w.text
}

func peek(rs []rune, i int) rune {
	if i < len(rs) {
		return rs[i]
	}
	return 0
}

func isIdentStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, "/")
}
