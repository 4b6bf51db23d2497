package shaders

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

var ErrSourceTooLong = errors.New("shaders: assembled source exceeds back end limit")

type condFrame struct {
	active   bool // this branch emits lines
	parentOn bool
	sawElse  bool
	line     int
}

// Preprocess evaluates #ifdef, #ifndef, #else and #endif against the set of
// defined names. Directive lines are dropped; everything else passes through
// unchanged. Conditionals nest.
func Preprocess(name, src string, defined map[string]bool) (string, error) {
	var out strings.Builder
	out.Grow(len(src))
	var stack []condFrame
	on := true

	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	ln := 0
	for sc.Scan() {
		ln++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if on {
				out.WriteString(line)
				out.WriteByte('\n')
			}
			continue
		}
		fields := strings.Fields(trimmed)
		switch fields[0] {
		case "#ifdef", "#ifndef":
			if len(fields) != 2 {
				return "", fmt.Errorf("%s:%d: %s needs one symbol", name, ln, fields[0])
			}
			cond := defined[fields[1]]
			if fields[0] == "#ifndef" {
				cond = !cond
			}
			stack = append(stack, condFrame{active: cond, parentOn: on, line: ln})
			on = on && cond
		case "#else":
			if len(stack) == 0 {
				return "", fmt.Errorf("%s:%d: #else without #ifdef", name, ln)
			}
			top := &stack[len(stack)-1]
			if top.sawElse {
				return "", fmt.Errorf("%s:%d: second #else for block at line %d", name, ln, top.line)
			}
			top.sawElse = true
			top.active = !top.active
			on = top.parentOn && top.active
		case "#endif":
			if len(stack) == 0 {
				return "", fmt.Errorf("%s:%d: #endif without #ifdef", name, ln)
			}
			on = stack[len(stack)-1].parentOn
			stack = stack[:len(stack)-1]
		default:
			return "", fmt.Errorf("%s:%d: unknown directive %s", name, ln, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if len(stack) > 0 {
		return "", fmt.Errorf("%s: #ifdef at line %d is never closed", name, stack[len(stack)-1].line)
	}
	return out.String(), nil
}

// Header is the generated constant block for numeric symbols.
func Header(defines []Define) string {
	var b strings.Builder
	b.WriteString("// variant:")
	for _, d := range defines {
		b.WriteByte(' ')
		b.WriteString(d.String())
	}
	b.WriteByte('\n')
	for _, d := range defines {
		if d.Value == "" {
			continue
		}
		typ := "f32"
		if strings.HasSuffix(d.Value, "u") {
			typ = "u32"
		}
		fmt.Fprintf(&b, "const %s: %s = %s;\n", d.Name, typ, d.Value)
	}
	return b.String()
}

// Assemble runs every fragment through the pre-processor and prefixes the
// constant header. A limit of zero disables the length check.
func Assemble(sources Sources, defines []Define, limit int) (string, error) {
	defined := make(map[string]bool, len(defines))
	for _, d := range defines {
		defined[d.Name] = true
	}
	var b strings.Builder
	b.WriteString(Header(defines))
	for _, s := range sources {
		text, err := Preprocess(s.Name, s.Text, defined)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	out := b.String()
	if limit > 0 && len(out) > limit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrSourceTooLong, len(out), limit)
	}
	return out, nil
}
