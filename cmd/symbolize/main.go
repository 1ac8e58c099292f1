// SPDX-License-Identifier: MIT

// Command symbolize resolves addresses in a Mach-O binary from the command
// line, in the spirit of atos:
//
//	symbolize -o ./app -l 0x100010000 0x100011f2c 0x100012a40
//
// Each address prints one line per frame, innermost first when DWARF
// inlining information is available.
package main

import (
	"context"
	stdmacho "debug/macho"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dsymtools/dsymd/internal/dsym"
	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/symbolize"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("symbolize", flag.ContinueOnError)
	binary := fs.String("o", "", "path to the binary or dSYM DWARF file")
	loadAddr := fs.String("l", "", "load address of the image (hex)")
	arch := fs.String("arch", "", "architecture to symbolicate (default: host)")
	dsymPath := fs.String("dsym", "", "path to a dSYM bundle to use instead of probing")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := "error"
	if *verbose {
		level = "debug"
	}
	log.Configure(log.Config{Level: level, Output: os.Stderr, Service: "symbolize"})

	if *binary == "" && *dsymPath == "" {
		fmt.Fprintln(os.Stderr, "symbolize: -o or -dsym is required")
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "symbolize: no addresses given")
		return 2
	}

	cpu, err := pickCpu(*arch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "symbolize: %v\n", err)
		return 1
	}

	target := *binary
	if *dsymPath != "" {
		target, err = dwarfFileInBundle(*dsymPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "symbolize: %v\n", err)
			return 1
		}
	}

	var load uint64
	if *loadAddr != "" {
		load, err = parseAddr(*loadAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "symbolize: bad load address %q\n", *loadAddr)
			return 2
		}
	}

	addrs := make([]uint64, 0, fs.NArg())
	for _, a := range fs.Args() {
		addr, err := parseAddr(a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "symbolize: bad address %q\n", a)
			return 2
		}
		addrs = append(addrs, addr)
	}

	sym := symbolize.New(dsym.NewLocator(cpu, nil))
	results, err := sym.Symbolicate(context.Background(), symbolize.Request{
		Path:     target,
		LoadAddr: load,
		Addrs:    addrs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "symbolize: %v\n", err)
		return 1
	}

	module := filepath.Base(target)
	for _, res := range results {
		printResult(out, module, res)
	}
	return 0
}

func pickCpu(arch string) (stdmacho.Cpu, error) {
	if arch == "" {
		return macho.HostCpu()
	}
	return macho.CpuByName(arch)
}

// dwarfFileInBundle finds the DWARF file inside a dSYM bundle. Bundles
// normally contain exactly one.
func dwarfFileInBundle(bundle string) (string, error) {
	dir := filepath.Join(bundle, "Contents", "Resources", "DWARF")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dSYM bundle: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no DWARF file in %s", bundle)
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

func printResult(out io.Writer, module string, res symbolize.Result) {
	if len(res.Frames) == 0 {
		fmt.Fprintf(out, "0x%x\n", res.Addr)
		return
	}
	for _, f := range res.Frames {
		name := f.Symbol
		if name == "" {
			name = fmt.Sprintf("0x%x", res.Addr)
		}
		switch {
		case f.File != "":
			fmt.Fprintf(out, "%s (in %s) (%s:%d)\n", name, module, f.File, f.Line)
		case f.Offset > 0:
			fmt.Fprintf(out, "%s (in %s) + %d\n", name, module, f.Offset)
		default:
			fmt.Fprintf(out, "%s (in %s)\n", name, module)
		}
	}
}
