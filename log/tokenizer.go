package log

import "fmt"

type token struct {
	key, value string
	inside     rune // shows whether it's inside a given collection, currently [ means it's an array
}

// tokenize splits a `key=value,key=[v1,v2]` configuration line.
func tokenize(line string) ([]token, error) {
	var (
		tokens []token
		i      int
	)
	for i < len(line) {
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ',' {
			i++
		}
		if i >= len(line) || line[i] != '=' {
			return nil, fmt.Errorf("key `%s` with no value", line[start:i])
		}
		t := token{key: line[start:i]}
		i++ // '='

		switch {
		case i < len(line) && line[i] == '[':
			i++
			valueStart := i
			for i < len(line) && line[i] != ']' {
				i++
			}
			if i >= len(line) {
				return nil, fmt.Errorf("array value for key `%s` didn't end", t.key)
			}
			t.value, t.inside = line[valueStart:i], '['
			i++ // ']'
			if i < len(line) && line[i] != ',' {
				return nil, fmt.Errorf("there was no ',' after an array with key '%s'", t.key)
			}
		default:
			valueStart := i
			for i < len(line) && line[i] != ',' {
				i++
			}
			t.value = line[valueStart:i]
		}

		if t.value == "" {
			return nil, fmt.Errorf("key `%s=` with no value", t.key)
		}
		tokens = append(tokens, t)
		i++ // ','
	}

	return tokens, nil
}
