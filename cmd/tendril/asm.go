package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
)

func asmCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("asm", "<source>")
	var (
		out      = fs.String("o", "", "Output path (default: source name without extension)")
		compress = fs.Bool("compress", true, "Store the memory image zstd-compressed")
		digest   = fs.Bool("digest", true, "Record the image digest in the headers")
		hashBang = fs.String("hashbang", "", "Override the hash bang line")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	p, err := asm.Parse(string(src))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if *hashBang != "" {
		if p, err = program.New(*hashBang, p.Headers(), p.State()); err != nil {
			return err
		}
	}

	dst := *out
	if dst == "" {
		dst = strings.TrimSuffix(path, filepath.Ext(path))
		if dst == path {
			dst += ".out"
		}
	}
	if err := loader.Save(dst, p, loader.Options{Compress: *compress, Digest: *digest}); err != nil {
		return err
	}

	logger.Info("assembled", zap.String("source", path), zap.String("output", dst))
	fmt.Printf("%s %s\n", p.ID(), dst)
	return nil
}

func disasmCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("disasm", "<file>")
	var (
		from  = fs.String("from", "", "First address (default: entry point)")
		count = fs.Int("count", 32, "Number of slots")
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
	state := p.State()
	start := uint16(state[0]) | uint16(state[1])<<8
	if *from != "" {
		addr, err := parseAddr(*from)
		if err != nil {
			return err
		}
		start = addr
	}

	fmt.Print(asm.Format(asm.Disassemble(state, start, *count)))
	return nil
}

func inspectCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("inspect", "<file>")
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
	return printProgram(p)
}

func printProgram(p *program.Program) error {
	state := p.State()
	fmt.Printf("id:       %s\n", p.ID())
	fmt.Printf("digest:   %s\n", p.Digest())
	if p.HashBang() != "" {
		fmt.Printf("hashbang: %s\n", p.HashBang())
	}
	fmt.Printf("entry:    0x%04x\n", uint16(state[0])|uint16(state[1])<<8)

	hdr, err := json.MarshalIndent(p.Headers(), "          ", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("headers:  %s\n", hdr)
	return nil
}
