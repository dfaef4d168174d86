package asm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/vm"
)

// statement is one parsed source line.
type statement struct {
	line  int
	label string
	op    string // lowercased directive or uppercased mnemonic
	rest  string // raw operand text
	args  []string
}

// Parse assembles source text.
//
//	; comment
//	.hashbang #!/usr/bin/env tendril run
//	.header name "counter"
//	.entry start
//	.org 0x0100
//	one:   .word 1
//	count: .word 0
//	.org 0x0008
//	start: ADD count, one, count
//	       DBG
//	       JMP start
//
// Data directives take either a value, stored at the emission point, or an
// address and a value.
func Parse(src string) (*program.Program, error) {
	stmts, err := scan(src)
	if err != nil {
		return nil, err
	}

	labels, err := layout(stmts)
	if err != nil {
		return nil, err
	}

	a := New(nil)
	for _, st := range stmts {
		if err := emit(a, st, labels); err != nil {
			return nil, fmt.Errorf("line %d: %w", st.line, err)
		}
		if err := a.Err(); err != nil {
			return nil, fmt.Errorf("line %d: %w", st.line, err)
		}
	}
	return a.Assemble()
}

func scan(src string) ([]statement, error) {
	var stmts []statement
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 4096), program.StateSize)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}

		st := statement{line: n}
		text = strings.ReplaceAll(text, "\t", " ")
		if tok, rest, _ := strings.Cut(text, " "); strings.HasSuffix(tok, ":") {
			st.label = strings.TrimSuffix(tok, ":")
			if !isIdent(st.label) {
				return nil, fmt.Errorf("line %d: %w: bad label %q", n, ErrSyntax, st.label)
			}
			text = strings.TrimSpace(rest)
		}

		if text != "" {
			op, rest, _ := strings.Cut(text, " ")
			st.rest = strings.TrimSpace(rest)
			if strings.HasPrefix(op, ".") {
				st.op = strings.ToLower(op)
			} else {
				st.op = strings.ToUpper(op)
			}
			if st.rest != "" {
				for _, arg := range strings.Split(st.rest, ",") {
					st.args = append(st.args, strings.TrimSpace(arg))
				}
			}
		}
		stmts = append(stmts, st)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return stmts, nil
}

// stripComment removes a trailing ; comment outside double quotes.
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r == '.' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

var dataWidth = map[string]int{
	".byte": 1,
	".half": 2,
	".word": 4,
}

// layout assigns an address to every label.
func layout(stmts []statement) (map[string]int, error) {
	labels := make(map[string]int)
	org := DefaultOrigin
	for _, st := range stmts {
		if st.label != "" {
			if _, dup := labels[st.label]; dup {
				return nil, fmt.Errorf("line %d: %w: %s", st.line, ErrDuplicateLabel, st.label)
			}
			labels[st.label] = org
		}

		switch {
		case st.op == "":
		case st.op == ".org":
			if len(st.args) != 1 {
				return nil, fmt.Errorf("line %d: %w: .org takes one operand", st.line, ErrSyntax)
			}
			v, err := eval(st.args[0], labels, 0xFFFF)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", st.line, err)
			}
			org = int(v)
		case dataWidth[st.op] > 0:
			if len(st.args) == 1 {
				org += dataWidth[st.op]
			}
		case strings.HasPrefix(st.op, "."):
		default:
			org += vm.InstructionLength
		}
	}
	return labels, nil
}

// eval resolves a number, a label, or label+n / label-n.
func eval(expr string, labels map[string]int, limit uint64) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: missing operand", ErrSyntax)
	}

	base, off, sign := expr, "", 0
	if i := strings.LastIndexAny(expr, "+-"); i > 0 {
		base, off = strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+1:])
		sign = 1
		if expr[i] == '-' {
			sign = -1
		}
	}

	v, err := term(base, labels)
	if err != nil {
		return 0, err
	}
	if sign != 0 {
		d, err := number(off)
		if err != nil {
			return 0, err
		}
		if sign < 0 {
			if d > v {
				return 0, fmt.Errorf("%w: %s is negative", ErrOutOfRange, expr)
			}
			v -= d
		} else {
			v += d
		}
	}
	if v > limit {
		return 0, fmt.Errorf("%w: %s = 0x%x exceeds 0x%x", ErrOutOfRange, expr, v, limit)
	}
	return v, nil
}

func term(s string, labels map[string]int) (uint64, error) {
	if s != "" && (unicode.IsDigit(rune(s[0])) || s[0] == '$') {
		return number(s)
	}
	if !isIdent(s) {
		return 0, fmt.Errorf("%w: bad operand %q", ErrSyntax, s)
	}
	addr, ok := labels[s]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUndefinedLabel, s)
	}
	return uint64(addr), nil
}

func number(s string) (uint64, error) {
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "$") {
		v, err = strconv.ParseUint(s[1:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 0, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrSyntax, s)
	}
	return v, nil
}

// operands evaluates args against per-position limits.
func operands(st statement, labels map[string]int, limits ...uint64) ([]uint64, error) {
	if len(st.args) != len(limits) {
		return nil, fmt.Errorf("%w: %s takes %d operands, got %d", ErrSyntax, st.op, len(limits), len(st.args))
	}
	out := make([]uint64, len(limits))
	for i, arg := range st.args {
		v, err := eval(arg, labels, limits[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func emit(a *Assembler, st statement, labels map[string]int) error {
	switch st.op {
	case "":
		return nil

	case ".org":
		v, err := operands(st, labels, 0xFFFF)
		if err != nil {
			return err
		}
		a.Org(uint16(v[0]))

	case ".entry":
		v, err := operands(st, labels, 0xFFFF)
		if err != nil {
			return err
		}
		a.Entry(uint16(v[0]))

	case ".hashbang":
		a.HashBang(st.rest)

	case ".header":
		key, raw, ok := strings.Cut(st.rest, " ")
		if !ok || key == "" {
			return fmt.Errorf("%w: .header takes a key and a JSON value", ErrSyntax)
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
			return fmt.Errorf("%w: header %s: %v", ErrSyntax, key, err)
		}
		a.Header(key, v)

	case ".byte", ".half", ".word":
		return emitData(a, st, labels)

	default:
		op, ok := vm.Lookup(st.op)
		if !ok {
			if strings.HasPrefix(st.op, ".") {
				return fmt.Errorf("%w: unknown directive %s", ErrSyntax, st.op)
			}
			return fmt.Errorf("%w: %s", ErrUnknownMnemonic, st.op)
		}
		return emitInstruction(a, op, st, labels)
	}
	return nil
}

func emitData(a *Assembler, st statement, labels map[string]int) error {
	width := dataWidth[st.op]
	limit := uint64(1)<<(8*width) - 1

	var addr, v uint64
	switch len(st.args) {
	case 1:
		vals, err := operands(st, labels, limit)
		if err != nil {
			return err
		}
		here := a.Here()
		if here > 0xFFFF {
			return fmt.Errorf("%w: emission point past end of memory", ErrOutOfRange)
		}
		addr, v = uint64(here), vals[0]
		a.org += width
	case 2:
		vals, err := operands(st, labels, 0xFFFF, limit)
		if err != nil {
			return err
		}
		addr, v = vals[0], vals[1]
	default:
		return fmt.Errorf("%w: %s takes a value or an address and a value", ErrSyntax, st.op)
	}

	switch width {
	case 1:
		a.Word8(uint16(addr), uint8(v))
	case 2:
		a.Word16(uint16(addr), uint16(v))
	default:
		a.Word32(uint16(addr), uint32(v))
	}
	return nil
}

func emitInstruction(a *Assembler, op uint8, st statement, labels map[string]int) error {
	switch {
	case op == vm.OpNop || op == vm.OpDbg:
		if _, err := operands(st, labels); err != nil {
			return err
		}
		a.Emit(vm.Encode(op, 0, 0, 0))

	case op == vm.OpJmp:
		v, err := operands(st, labels, 0xFFFF)
		if err != nil {
			return err
		}
		a.Jmp(uint16(v[0]))

	case op == vm.OpCjp:
		v, err := operands(st, labels, 0xFF, 0xFFFF, 0xFFFFFFFF)
		if err != nil {
			return err
		}
		a.Cjp(uint8(v[0]), uint16(v[1]), uint32(v[2]))

	case vm.IsArith(op):
		v, err := operands(st, labels, 0xFFFF, 0xFFFF, 0xFFFF)
		if err != nil {
			return err
		}
		a.Emit(vm.EncodeArith(op, uint16(v[0]), uint16(v[1]), uint16(v[2])))
	}
	return nil
}
