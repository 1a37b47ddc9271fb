// Package sandbox validates and executes agent-supplied SQL against a
// single tenant namespace. Validation is a conservative lexical scan: it
// rejects anything it cannot prove to be a lone SELECT over unqualified,
// plainly named relations. False rejections are acceptable; false
// acceptances are not.
package sandbox

import (
	"regexp"
	"strings"

	"github.com/episteme-ai/episteme/internal/types"
)

// Rejection reason tokens, stable for API consumers.
const (
	ReasonNotSelect          = "not_select"
	ReasonMultipleStatements = "multiple_statements"
	ReasonSystemCatalog      = "system_catalog"
	ReasonSchemaQualified    = "schema_qualified"
	ReasonForbiddenFunction  = "forbidden_function"
	ReasonTooLong            = "too_long"
	ReasonBadIdentifier      = "bad_identifier"
)

// MaxQueryLength bounds the raw query text.
const MaxQueryLength = 10000

// statementKeywords are words that never appear in a pure SELECT but do
// appear in statements we must not run, including data-modifying CTEs and
// piggybacked commands. Any occurrence rejects the query.
var statementKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true,
	"truncate": true, "drop": true, "create": true, "alter": true,
	"grant": true, "revoke": true, "copy": true, "vacuum": true,
	"analyze": true, "analyse": true, "explain": true, "reindex": true,
	"cluster": true, "listen": true, "unlisten": true, "notify": true,
	"set": true, "reset": true, "show": true, "do": true, "call": true,
	"lock": true, "prepare": true, "execute": true, "deallocate": true,
	"declare": true, "fetch": true, "move": true, "close": true,
	"cursor": true, "begin": true, "start": true, "commit": true,
	"rollback": true, "savepoint": true, "release": true, "abort": true,
	"checkpoint": true, "discard": true, "comment": true, "security": true,
	"import": true, "refresh": true, "into": true, "returning": true,
	"share": true,
}

// forbiddenFunctions are callables that read server state, files, or
// sequences, or open outbound connections. Everything prefixed pg_ is
// rejected separately by the catalog rule.
var forbiddenFunctions = map[string]bool{
	"set_config": true, "current_setting": true,
	"dblink": true, "dblink_exec": true, "dblink_connect": true,
	"dblink_connect_u": true, "dblink_open": true, "dblink_fetch": true,
	"dblink_close": true, "dblink_send_query": true, "dblink_get_result": true,
	"lo_import": true, "lo_export": true, "lo_creat": true, "lo_create": true,
	"lo_open": true, "lo_unlink": true, "lo_put": true, "lo_get": true,
	"lo_read": true, "lo_write": true, "loread": true, "lowrite": true,
	"nextval": true, "setval": true, "currval": true, "lastval": true,
	"query_to_xml": true, "query_to_xml_and_xmlschema": true,
	"database_to_xml": true, "database_to_xmlschema": true,
	"schema_to_xml": true, "schema_to_xmlschema": true,
	"table_to_xml": true, "table_to_xml_and_xmlschema": true,
	"cursor_to_xml": true, "xpath_table": true,
	"brin_summarize_new_values": true,
}

// Validate checks an agent query against the sandbox rules without
// executing it. A nil return means the text is a single SELECT (or WITH)
// with no schema qualifiers, catalog references, forbidden functions, or
// malformed identifiers.
func Validate(query string) error {
	if len(query) > MaxQueryLength {
		return reject(ReasonTooLong, "query is %d chars, limit is %d", len(query), MaxQueryLength)
	}
	toks, err := tokenize(query)
	if err != nil {
		return err
	}
	// One trailing semicolon is tolerated; any other means a second
	// statement is smuggled in.
	if len(toks) > 0 && toks[len(toks)-1].is(tokPunct, ";") {
		toks = toks[:len(toks)-1]
	}
	for _, t := range toks {
		if t.is(tokPunct, ";") {
			return reject(ReasonMultipleStatements, "only a single statement is allowed")
		}
	}
	if len(toks) == 0 {
		return reject(ReasonNotSelect, "empty query")
	}
	if first := toks[0]; first.kind != tokIdent || (first.text != "select" && first.text != "with") {
		return reject(ReasonNotSelect, "query must start with SELECT or WITH")
	}
	return scanTokens(toks)
}

func reject(reason, format string, args ...any) error {
	return types.NewReasonError(types.KindSandbox, reason, format, args...)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokPunct
)

// token text is lowercased for idents so keyword checks are case-blind.
type token struct {
	kind tokenKind
	text string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func tokenize(q string) ([]token, error) {
	var toks []token
	i, n := 0, len(q)
	for i < n {
		c := q[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && q[i+1] == '-':
			for i < n && q[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && q[i+1] == '*':
			// Block comments nest in Postgres.
			depth, j := 1, i+2
			for j < n && depth > 0 {
				switch {
				case q[j] == '/' && j+1 < n && q[j+1] == '*':
					depth++
					j += 2
				case q[j] == '*' && j+1 < n && q[j+1] == '/':
					depth--
					j += 2
				default:
					j++
				}
			}
			if depth > 0 {
				return nil, reject(ReasonNotSelect, "unterminated comment")
			}
			i = j
		case c == '\'':
			// E'...', U&'...', B'...' and friends change escape semantics
			// under our feet, so any prefixed string form is rejected.
			if i > 0 && (isIdentChar(q[i-1]) || q[i-1] == '&') {
				return nil, reject(ReasonBadIdentifier, "prefixed string literals are not allowed")
			}
			j, closed := i+1, false
			for j < n {
				if q[j] == '\\' {
					return nil, reject(ReasonBadIdentifier, "backslash in string literal is not allowed")
				}
				if q[j] == '\'' {
					if j+1 < n && q[j+1] == '\'' {
						j += 2
						continue
					}
					closed = true
					break
				}
				j++
			}
			if !closed {
				return nil, reject(ReasonNotSelect, "unterminated string literal")
			}
			toks = append(toks, token{tokString, q[i+1 : j]})
			i = j + 1
		case c == '"':
			return nil, reject(ReasonBadIdentifier, "quoted identifiers are not allowed")
		case c == '$' || c == '`':
			return nil, reject(ReasonBadIdentifier, "character %q is not allowed", string(c))
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentChar(q[j]) {
				j++
			}
			word := q[i:j]
			if word[0] == '_' {
				return nil, reject(ReasonBadIdentifier, "identifier %q must start with a letter", word)
			}
			if len(word) > 63 {
				return nil, reject(ReasonBadIdentifier, "identifier %q exceeds 63 characters", word)
			}
			toks = append(toks, token{tokIdent, strings.ToLower(word)})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (q[j] >= '0' && q[j] <= '9' || q[j] == '.') {
				j++
			}
			if j < n && (q[j] == 'e' || q[j] == 'E') {
				k := j + 1
				if k < n && (q[k] == '+' || q[k] == '-') {
					k++
				}
				for k < n && q[k] >= '0' && q[k] <= '9' {
					k++
				}
				j = k
			}
			toks = append(toks, token{tokNumber, q[i:j]})
			i = j
		case strings.ContainsRune("()[],.;", rune(c)):
			toks = append(toks, token{tokPunct, string(c)})
			i++
		case strings.ContainsRune("+-*/<>=~!@#%^&|?:", rune(c)):
			toks = append(toks, token{tokOp, string(c)})
			i++
		default:
			return nil, reject(ReasonBadIdentifier, "character %q is not allowed", string(c))
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// frameState tracks whether the scan position sits where a table reference
// may legally appear. Parens push and pop so a subquery cannot leak its
// clause state into the enclosing FROM list.
type frameState struct {
	inFrom      bool
	expectTable bool
}

func scanTokens(toks []token) error {
	var stack []frameState
	var state frameState
	for i, t := range toks {
		switch t.kind {
		case tokIdent:
			if statementKeywords[t.text] {
				return reject(ReasonNotSelect, "keyword %q is not allowed in a sandbox query", t.text)
			}
			if forbiddenFunctions[t.text] {
				return reject(ReasonForbiddenFunction, "function %q is not allowed", t.text)
			}
			if t.text == "information_schema" || strings.HasPrefix(t.text, "pg_") {
				return reject(ReasonSystemCatalog, "system catalog access is not allowed")
			}
			dotted := i+1 < len(toks) && toks[i+1].is(tokPunct, ".")
			if dotted && (t.text == "shared" || t.text == "public") {
				return reject(ReasonSchemaQualified, "schema-qualified references are not allowed")
			}
			switch t.text {
			case "from", "join":
				state.inFrom = true
				state.expectTable = true
			case "only", "lateral":
				// Table reference still pending.
			case "select", "where", "group", "order", "having", "window",
				"limit", "offset", "union", "intersect", "except", "on", "using":
				state.inFrom = false
				state.expectTable = false
			default:
				if state.expectTable {
					if dotted {
						return reject(ReasonSchemaQualified, "schema-qualified table references are not allowed")
					}
					state.expectTable = false
				}
			}
		case tokPunct:
			switch t.text {
			case "(":
				stack = append(stack, state)
				state = frameState{}
			case ")":
				if len(stack) > 0 {
					state = stack[len(stack)-1]
					stack = stack[:len(stack)-1]
				}
			case ",":
				if state.inFrom {
					state.expectTable = true
				}
			}
		}
	}
	return nil
}

// identPattern is the shape every user-supplied table or column name must
// have: a letter, then letters, digits, or underscores, at most 63 bytes.
var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// reservedIdentifiers may not be used as user table or column names, on
// top of the pattern check. The set includes the statement keywords above
// so a column name can never collide with a word the query scanner bans.
var reservedIdentifiers = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "null": true, "true": true, "false": true, "table": true,
	"index": true, "view": true, "join": true, "inner": true, "outer": true,
	"left": true, "right": true, "full": true, "cross": true, "natural": true,
	"union": true, "intersect": true, "except": true, "group": true,
	"order": true, "by": true, "having": true, "limit": true, "offset": true,
	"as": true, "on": true, "using": true, "distinct": true, "all": true,
	"any": true, "some": true, "exists": true, "in": true, "is": true,
	"like": true, "ilike": true, "between": true, "case": true, "when": true,
	"then": true, "else": true, "end": true, "cast": true, "asc": true,
	"desc": true, "primary": true, "foreign": true, "key": true,
	"references": true, "constraint": true, "unique": true, "check": true,
	"default": true, "user": true, "session_user": true, "current_user": true,
	"current_date": true, "current_time": true, "current_timestamp": true,
	"localtime": true, "localtimestamp": true, "with": true, "recursive": true,
	"window": true, "over": true, "partition": true, "lateral": true,
	"only": true, "column": true, "schema": true, "collate": true,
}

// ValidIdentifier reports whether name can serve as a user-supplied table
// or column identifier.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name) &&
		!reservedIdentifiers[strings.ToLower(name)] &&
		!statementKeywords[strings.ToLower(name)]
}

// ValidateIdentifier returns a typed error when name is not a legal
// user-supplied identifier.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return reject(ReasonBadIdentifier, "invalid identifier %q", name)
	}
	lower := strings.ToLower(name)
	if reservedIdentifiers[lower] || statementKeywords[lower] {
		return reject(ReasonBadIdentifier, "%q is a reserved word", name)
	}
	return nil
}
