/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package analyzer

import (
	"strings"
)

// Token is one identifier token with its byte range in the original SQL.
type Token struct {
	Text  string // lower-cased
	Start int
	End   int
}

// ScanIdentifiers tokenizes sql into identifier tokens, skipping string
// literals, quoted identifiers, dollar-quoted strings and comments, so a
// keyword inside a literal never triggers a finding.
func ScanIdentifiers(sql string) (tokens []Token) {
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case c == '\'':
			i = skipSingleQuoted(sql, i)
		case c == '"':
			i = skipDoubleQuoted(sql, i)
		case c == '$':
			if end, ok := skipDollarQuoted(sql, i); ok {
				i = end
			} else {
				i++
			}
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{
				Text:  strings.ToLower(sql[start:i]),
				Start: start,
				End:   i,
			})
		default:
			i++
		}
	}
	return
}

func skipSingleQuoted(sql string, i int) int {
	i++
	for i < len(sql) {
		if sql[i] == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func skipDoubleQuoted(sql string, i int) int {
	i++
	for i < len(sql) {
		if sql[i] == '"' {
			if i+1 < len(sql) && sql[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// skipDollarQuoted handles $$...$$ and $tag$...$tag$ literals.
func skipDollarQuoted(sql string, i int) (end int, ok bool) {
	j := i + 1
	for j < len(sql) && sql[j] != '$' && isIdentPart(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return
	}
	delim := sql[i : j+1]
	closing := strings.Index(sql[j+1:], delim)
	if closing < 0 {
		return len(sql), true
	}
	return j + 1 + closing + len(delim), true
}

func skipBlockComment(sql string, i int) int {
	depth := 0
	n := len(sql)
	for i < n {
		if i+1 < n && sql[i] == '/' && sql[i+1] == '*' {
			depth++
			i += 2
			continue
		}
		if i+1 < n && sql[i] == '*' && sql[i+1] == '/' {
			depth--
			i += 2
			if depth == 0 {
				return i
			}
			continue
		}
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}

// HasToken reports whether any scanned token equals word (lower-case).
func HasToken(tokens []Token, word string) bool {
	for _, t := range tokens {
		if t.Text == word {
			return true
		}
	}
	return false
}

// HasPhrase reports whether the words occur as consecutive tokens.
func HasPhrase(tokens []Token, words ...string) bool {
	if len(words) == 0 {
		return false
	}
outer:
	for i := 0; i+len(words) <= len(tokens); i++ {
		for j, w := range words {
			if tokens[i+j].Text != w {
				continue outer
			}
		}
		return true
	}
	return false
}
