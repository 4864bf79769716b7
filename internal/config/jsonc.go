package config

// StripJSONComments removes // and /* */ comments from JSONC content, plus
// trailing commas before a closing bracket or brace. String literals,
// including escaped quotes inside them, are left untouched.
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))

	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i < len(data) && !(data[i] == '*' && i+1 < len(data) && data[i+1] == '/') {
				i++
			}
			i++ // land on the closing '/'
		case c == ']' || c == '}':
			out = dropTrailingComma(out)
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// dropTrailingComma removes a comma that is followed only by whitespace at
// the end of out
func dropTrailingComma(out []byte) []byte {
	j := len(out) - 1
	for j >= 0 && isSpace(out[j]) {
		j--
	}
	if j >= 0 && out[j] == ',' {
		return append(out[:j], out[j+1:]...)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
