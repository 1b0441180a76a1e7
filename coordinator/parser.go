package coordinator

import (
	"strconv"
	"strings"

	"codemachine.dev/core/internal/coreerr"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokOptions
	tokString
	tokAndAnd
	tokAnd
	tokEOF
)

type token struct {
	kind  tokenKind
	value string
}

func syntaxErrorf(format string, args ...any) error {
	return coreerr.Newf(coreerr.CodeWorkflowInvalidCommandSyntax, nil, format, args...)
}

// tokenize splits a coordinator script into tokens: bare identifiers,
// bracketed option blocks, quoted prompt strings, and the `&&`/`&`
// operators (§4.5 Language).
func tokenize(script string) ([]token, error) {
	var tokens []token
	r := []rune(script)
	i, n := 0, len(r)

	for i < n {
		c := r[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '&':
			if i+1 < n && r[i+1] == '&' {
				tokens = append(tokens, token{tokAndAnd, "&&"})
				i += 2
			} else {
				tokens = append(tokens, token{tokAnd, "&"})
				i++
			}
		case c == '[':
			start := i + 1
			j := start
			for j < n && r[j] != ']' {
				j++
			}
			if j >= n {
				return nil, syntaxErrorf("unterminated option block starting at position %d", i)
			}
			tokens = append(tokens, token{tokOptions, string(r[start:j])})
			i = j + 1
		case c == '\'' || c == '"':
			quote := c
			var sb strings.Builder
			j := i + 1
			for j < n {
				if r[j] == '\\' && j+1 < n && r[j+1] == quote {
					sb.WriteRune(quote)
					j += 2
					continue
				}
				if r[j] == quote {
					break
				}
				sb.WriteRune(r[j])
				j++
			}
			if j >= n {
				return nil, syntaxErrorf("unterminated quoted string starting at position %d", i)
			}
			tokens = append(tokens, token{tokString, sb.String()})
			i = j + 1
		default:
			j := i
			for j < n && r[j] != ' ' && r[j] != '\t' && r[j] != '\n' && r[j] != '\r' &&
				r[j] != '&' && r[j] != '[' && r[j] != '\'' && r[j] != '"' {
				j++
			}
			if j == i {
				return nil, syntaxErrorf("unexpected character %q at position %d", c, i)
			}
			tokens = append(tokens, token{tokIdent, string(r[i:j])})
			i = j
		}
	}

	tokens = append(tokens, token{tokEOF, ""})
	return tokens, nil
}

// Parse parses a coordinator script into a Plan (§4.5). Empty scripts
// are rejected.
func Parse(script string) (Plan, error) {
	if strings.TrimSpace(script) == "" {
		return Plan{}, syntaxErrorf("coordinator script is empty")
	}

	tokens, err := tokenize(script)
	if err != nil {
		return Plan{}, err
	}

	var groups []Group
	var current []Command
	pos := 0

	finishGroup := func() {
		if len(current) == 0 {
			return
		}
		mode := ModeSequential
		if len(current) > 1 {
			mode = ModeParallel
		}
		groups = append(groups, Group{Mode: mode, Commands: current})
		current = nil
	}

parseLoop:
	for {
		tok := tokens[pos]
		if tok.kind == tokEOF {
			break
		}
		if tok.kind != tokIdent {
			return Plan{}, syntaxErrorf("expected agent name, got %q", tok.value)
		}
		cmd := Command{Name: tok.value}
		pos++

		if tokens[pos].kind == tokOptions {
			if err := applyOptions(&cmd, tokens[pos].value); err != nil {
				return Plan{}, err
			}
			pos++
		}

		if tokens[pos].kind == tokString {
			cmd.Prompt = tokens[pos].value
			pos++
		}

		current = append(current, cmd)

		switch tokens[pos].kind {
		case tokAnd:
			pos++
			continue
		case tokAndAnd:
			finishGroup()
			pos++
			continue
		case tokEOF:
			finishGroup()
			break parseLoop
		default:
			return Plan{}, syntaxErrorf("expected '&', '&&', or end of script, got %q", tokens[pos].value)
		}
	}

	if len(groups) == 0 {
		return Plan{}, syntaxErrorf("coordinator script is empty")
	}

	return Plan{Groups: groups}, nil
}

var recognisedOptionKeys = map[string]bool{
	"input": true, "tail": true, "engine": true, "model": true, "timeout": true,
}

// applyOptions parses the raw contents of a `[k:v,k:v,...]` block. A
// part with no `:` is treated as a continuation of the previous key's
// comma-separated value (this is how `input`'s repeatable path list is
// expressed, §4.5).
func applyOptions(cmd *Command, raw string) error {
	parts := strings.Split(raw, ",")
	var currentKey string
	values := map[string][]string{}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, ":"); idx >= 0 {
			key := strings.TrimSpace(part[:idx])
			val := strings.TrimSpace(part[idx+1:])
			if !recognisedOptionKeys[key] {
				return syntaxErrorf("unrecognised option %q", key)
			}
			currentKey = key
			values[key] = append(values[key], val)
			continue
		}
		if currentKey == "" {
			return syntaxErrorf("option value %q has no key", part)
		}
		values[currentKey] = append(values[currentKey], part)
	}

	for key, vals := range values {
		switch key {
		case "input":
			cmd.Input = append(cmd.Input, vals...)
		case "tail":
			n, err := strconv.Atoi(vals[len(vals)-1])
			if err != nil {
				return syntaxErrorf("tail option must be an integer, got %q", vals[len(vals)-1])
			}
			cmd.Tail = &n
		case "engine":
			v := vals[len(vals)-1]
			cmd.Engine = &v
		case "model":
			v := vals[len(vals)-1]
			cmd.Model = &v
		case "timeout":
			n, err := strconv.Atoi(vals[len(vals)-1])
			if err != nil {
				return syntaxErrorf("timeout option must be an integer, got %q", vals[len(vals)-1])
			}
			cmd.TimeoutMs = &n
		}
	}

	return nil
}
