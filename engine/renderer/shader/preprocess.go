package shader

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spaghettifunk/lumen/engine/core"
)

type conditional struct {
	active     bool
	parentLive bool
	seenElse   bool
}

// Preprocess evaluates #define, #ifdef, #ifndef, #else and #endif directives
// and substitutes defined values on whole-word matches. Directive lines are
// replaced with empty lines so compiler line numbers stay meaningful.
func Preprocess(name, source string, macros []Macro) (string, error) {
	defines := make(map[string]string, len(macros))
	for _, m := range macros {
		defines[m.Name] = m.Value
	}

	var (
		out   strings.Builder
		stack []conditional
		line  int
	)
	live := func() bool {
		if len(stack) == 0 {
			return true
		}
		top := stack[len(stack)-1]
		return top.parentLive && top.active
	}

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		text := scanner.Text()
		trimmed := strings.TrimSpace(text)

		if !strings.HasPrefix(trimmed, "#") {
			if live() {
				out.WriteString(substitute(text, defines))
			}
			out.WriteByte('\n')
			continue
		}

		fields := strings.Fields(trimmed[1:])
		if len(fields) == 0 {
			return "", fmt.Errorf("%s:%d: empty directive: %w", name, line, core.ErrShaderCompile)
		}
		switch fields[0] {
		case "define":
			if len(fields) < 2 {
				return "", fmt.Errorf("%s:%d: #define without a name: %w", name, line, core.ErrShaderCompile)
			}
			if live() {
				defines[fields[1]] = strings.Join(fields[2:], " ")
			}
		case "undef":
			if len(fields) < 2 {
				return "", fmt.Errorf("%s:%d: #undef without a name: %w", name, line, core.ErrShaderCompile)
			}
			if live() {
				delete(defines, fields[1])
			}
		case "ifdef", "ifndef":
			if len(fields) < 2 {
				return "", fmt.Errorf("%s:%d: #%s without a name: %w", name, line, fields[0], core.ErrShaderCompile)
			}
			_, defined := defines[fields[1]]
			stack = append(stack, conditional{
				active:     defined == (fields[0] == "ifdef"),
				parentLive: live(),
			})
		case "else":
			if len(stack) == 0 {
				return "", fmt.Errorf("%s:%d: #else without #ifdef: %w", name, line, core.ErrShaderCompile)
			}
			top := &stack[len(stack)-1]
			if top.seenElse {
				return "", fmt.Errorf("%s:%d: duplicate #else: %w", name, line, core.ErrShaderCompile)
			}
			top.seenElse = true
			top.active = !top.active
		case "endif":
			if len(stack) == 0 {
				return "", fmt.Errorf("%s:%d: #endif without #ifdef: %w", name, line, core.ErrShaderCompile)
			}
			stack = stack[:len(stack)-1]
		default:
			return "", fmt.Errorf("%s:%d: unknown directive #%s: %w", name, line, fields[0], core.ErrShaderCompile)
		}
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if len(stack) != 0 {
		return "", fmt.Errorf("%s: %d unterminated conditional block(s): %w", name, len(stack), core.ErrShaderCompile)
	}
	return out.String(), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// substitute replaces identifiers that have a non-empty define.
func substitute(line string, defines map[string]string) string {
	if len(defines) == 0 {
		return line
	}
	var sb strings.Builder
	for i := 0; i < len(line); {
		c := line[i]
		if !isIdentStart(c) || (i > 0 && isIdentPart(line[i-1])) {
			sb.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(line) && isIdentPart(line[j]) {
			j++
		}
		word := line[i:j]
		if v, ok := defines[word]; ok && v != "" {
			sb.WriteString(v)
		} else {
			sb.WriteString(word)
		}
		i = j
	}
	return sb.String()
}
