package query

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
)

// clause is one term or quoted phrase of a user query
type clause struct {
	text    string
	phrase  bool
	negated bool
}

// parse splits q into whitespace separated terms and quoted phrases. A
// leading '-' excludes the clause.
func parse(q string) ([]clause, error) {
	var clauses []clause
	runes := []rune(q)

	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}

		negated := false
		if runes[i] == '-' {
			negated = true
			i++
			if i == len(runes) || unicode.IsSpace(runes[i]) {
				continue
			}
		}

		if runes[i] == '"' {
			end := i + 1
			for end < len(runes) && runes[end] != '"' {
				end++
			}
			if end == len(runes) {
				return nil, fmt.Errorf("%w: unbalanced quote at offset %d", model.ErrQueryParse, i)
			}
			if text := strings.TrimSpace(string(runes[i+1 : end])); text != "" {
				clauses = append(clauses, clause{text: text, phrase: true, negated: negated})
			}
			i = end + 1
			continue
		}

		start := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) {
			if runes[i] == '"' {
				return nil, fmt.Errorf("%w: unexpected quote at offset %d", model.ErrQueryParse, i)
			}
			i++
		}
		clauses = append(clauses, clause{text: string(runes[start:i]), negated: negated})
	}
	return clauses, nil
}
