package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/vm"
)

const (
	maxDebugOutput = 8
	hexdumpRows    = 8
	hexdumpWidth   = 16
	listingBefore  = 3
	listingAfter   = 8
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	currentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	breakStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func debugCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("debug", "<file>")
	var (
		budget   = fs.Uint64("budget", 0, "Compute budget in units (0 = unlimited)")
		runLimit = fs.Uint64("run-limit", 1_000_000, "Maximum steps executed by one run command")
		lineMode = fs.Bool("line", false, "Use line mode even on a terminal")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs)
	if err != nil {
		return err
	}

	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	logger.Debug("debugging", zap.String("path", path), zap.Stringer("program", p.ID()))

	d := newDebugger(p, *budget, *runLimit)
	if *lineMode || !term.IsTerminal(int(os.Stdout.Fd())) {
		return d.lines(os.Stdin, os.Stdout)
	}

	prog := tea.NewProgram(newDebugModel(path, d), tea.WithAltScreen())
	_, err = prog.Run()
	return err
}

// debugger drives one engine for both front ends.
type debugger struct {
	engine      *vm.Engine
	program     types.Hash
	output      []string
	emitted     int
	breakpoints map[uint16]bool
	memAddr     uint16
	runLimit    uint64
	message     string
	err         error
}

func newDebugger(p *program.Program, budget, runLimit uint64) *debugger {
	d := &debugger{
		program:     p.ID(),
		breakpoints: make(map[uint16]bool),
		runLimit:    runLimit,
	}
	d.engine = vm.New(p,
		vm.WithTracer(vm.TracerFunc(d.debugLine)),
		vm.WithComputeBudget(budget))
	return d
}

func (d *debugger) debugLine(cp uint16) {
	d.emitted++
	d.output = append(d.output, vm.DebugLine(cp))
	if len(d.output) > maxDebugOutput {
		d.output = d.output[len(d.output)-maxDebugOutput:]
	}
}

// step executes up to n instructions, stopping early at a breakpoint once
// the first instruction has run.
func (d *debugger) step(n uint64) {
	d.err = nil
	var done uint64
	for done < n {
		status, err := d.engine.Step()
		if err != nil {
			d.err = err
			d.message = fmt.Sprintf("stopped after %d steps", done)
			return
		}
		if status != vm.StatusRunning {
			d.message = fmt.Sprintf("%s after %d steps", status, d.engine.Steps())
			return
		}
		done++
		if d.breakpoints[d.engine.CodePointer()] && done < n {
			d.message = fmt.Sprintf("breakpoint at 0x%04x", d.engine.CodePointer())
			return
		}
	}
	d.message = fmt.Sprintf("stepped %d", done)
}

func (d *debugger) reset() {
	d.engine.Reset()
	d.output = nil
	d.err = nil
	d.message = "reset"
}

func (d *debugger) toggleBreakpoint(addr uint16) {
	if d.breakpoints[addr] {
		delete(d.breakpoints, addr)
		d.message = fmt.Sprintf("breakpoint 0x%04x cleared", addr)
		return
	}
	d.breakpoints[addr] = true
	d.message = fmt.Sprintf("breakpoint 0x%04x set", addr)
}

// exec runs one command line. It reports whether the debugger should quit.
func (d *debugger) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		d.step(1)
		return false, nil
	}

	arg := func(i int) (uint16, error) {
		if len(fields) <= i {
			return 0, fmt.Errorf("%s needs an address", fields[0])
		}
		return parseAddr(fields[i])
	}

	switch fields[0] {
	case "s", "step":
		n := uint64(1)
		if len(fields) > 1 {
			v, err := strconv.ParseUint(fields[1], 0, 64)
			if err != nil {
				return false, fmt.Errorf("bad step count %q", fields[1])
			}
			n = v
		}
		d.step(n)
	case "n":
		d.step(10)
	case "r", "run":
		d.step(d.runLimit)
	case "R", "reset":
		d.reset()
	case "g", "mem":
		addr, err := arg(1)
		if err != nil {
			return false, err
		}
		d.memAddr = addr
	case "b", "break":
		if len(fields) == 1 {
			var list []string
			for _, a := range d.sortedBreakpoints() {
				list = append(list, fmt.Sprintf("0x%04x", a))
			}
			d.message = "breakpoints: " + strings.Join(list, " ")
			return false, nil
		}
		addr, err := arg(1)
		if err != nil {
			return false, err
		}
		d.toggleBreakpoint(addr)
	case "q", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

func (d *debugger) status() string {
	e := d.engine
	s := fmt.Sprintf("cp=0x%04x steps=%d status=%s", e.CodePointer(), e.Steps(), e.Status())
	if remaining, ok := e.ComputeRemaining(); ok {
		s += fmt.Sprintf(" compute=%d", remaining)
	}
	return s
}

// listing disassembles the slots around the code pointer.
func (d *debugger) listing() []asm.Line {
	cp := int(d.engine.CodePointer())
	if cp >= int(vm.PEnd) {
		return nil
	}
	from := cp - listingBefore*vm.InstructionLength
	for from < 0 {
		from += vm.InstructionLength
	}
	return asm.Disassemble(d.engine.Memory().Snapshot(), uint16(from), listingBefore+listingAfter+1)
}

// hexdump renders memory at memAddr.
func (d *debugger) hexdump() []string {
	var rows []string
	for r := 0; r < hexdumpRows; r++ {
		addr := int(d.memAddr) + r*hexdumpWidth
		if addr >= program.StateSize {
			break
		}
		n := hexdumpWidth
		if addr+n > program.StateSize {
			n = program.StateSize - addr
		}
		buf := make([]byte, n)
		if err := d.engine.Memory().Read(uint16(addr), buf); err != nil {
			break
		}
		rows = append(rows, fmt.Sprintf("0x%04x  %s", addr, hex.EncodeToString(buf)))
	}
	return rows
}

func (d *debugger) sortedBreakpoints() []uint16 {
	out := make([]uint16, 0, len(d.breakpoints))
	for a := range d.breakpoints {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// lines is the non-terminal front end: one command per input line, state
// printed after each.
func (d *debugger) lines(r io.Reader, w io.Writer) error {
	fmt.Fprintln(w, d.status())
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		before := d.emitted
		quit, err := d.exec(sc.Text())
		if quit {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			continue
		}
		fresh := d.emitted - before
		if fresh > len(d.output) {
			fresh = len(d.output)
		}
		for _, line := range d.output[len(d.output)-fresh:] {
			fmt.Fprintln(w, line)
		}
		if d.err != nil {
			fmt.Fprintf(w, "%v\n", d.err)
		}
		fmt.Fprintf(w, "%s  %s\n", d.status(), d.message)
		if f := strings.Fields(sc.Text()); len(f) > 0 && (f[0] == "g" || f[0] == "mem") {
			for _, row := range d.hexdump() {
				fmt.Fprintln(w, row)
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type debugModel struct {
	d        *debugger
	filename string
	input    textinput.Model
	prompt   bool
	err      error
}

func newDebugModel(filename string, d *debugger) *debugModel {
	ti := textinput.New()
	ti.Placeholder = "g 0x0100 | b 0x0010 | s 100"
	ti.Prompt = ": "
	ti.Width = 40
	return &debugModel{d: d, filename: filename, input: ti}
}

func (m *debugModel) Init() tea.Cmd {
	return nil
}

func (m *debugModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if m.prompt {
		switch key.String() {
		case "enter":
			m.prompt = false
			line := m.input.Value()
			m.input.Reset()
			m.input.Blur()
			quit, err := m.d.exec(line)
			m.err = err
			if quit {
				return m, tea.Quit
			}
			return m, nil
		case "esc":
			m.prompt = false
			m.input.Reset()
			m.input.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	m.err = nil
	switch key.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "s", " ":
		m.d.step(1)
	case "n":
		m.d.step(10)
	case "r":
		m.d.step(m.d.runLimit)
	case "R":
		m.d.reset()
	case ":", "g":
		m.prompt = true
		if key.String() == "g" {
			m.input.SetValue("g ")
			m.input.CursorEnd()
		}
		return m, m.input.Focus()
	}
	return m, nil
}

func (m *debugModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tendril debug"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString(" ")
	b.WriteString(helpStyle.Render(m.d.program.Short(8)))
	b.WriteString("\n")
	b.WriteString(m.d.status())
	b.WriteString("\n\n")

	cp := m.d.engine.CodePointer()
	for _, line := range m.d.listing() {
		text := line.String()
		mark := "  "
		if m.d.breakpoints[line.Addr] {
			mark = breakStyle.Render("● ")
		}
		if line.Addr == cp {
			text = currentStyle.Render(text)
		}
		b.WriteString(mark + text + "\n")
	}
	if cp >= vm.PEnd {
		b.WriteString("  (halted)\n")
	}

	b.WriteString("\n")
	for _, row := range m.d.hexdump() {
		b.WriteString(row + "\n")
	}

	if len(m.d.output) > 0 {
		b.WriteString("\n")
		for _, line := range m.d.output {
			b.WriteString(outputStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.d.err != nil:
		b.WriteString(errorStyle.Render(m.d.err.Error()))
	case m.err != nil:
		b.WriteString(errorStyle.Render(m.err.Error()))
	default:
		b.WriteString(m.d.message)
	}
	b.WriteString("\n\n")

	if m.prompt {
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter run • esc cancel"))
	} else {
		b.WriteString(helpStyle.Render("s step • n step 10 • r run • R reset • g memory • : command • q quit"))
	}
	return b.String()
}
