// cmd/simplert/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"simplert/internal/hostffi"
	"simplert/internal/interp"
	"simplert/internal/jit"
	"simplert/internal/sbc"
	"simplert/internal/sir"
	"simplert/internal/verify"
)

const VERSION = "1.0.0"

// Command aliases mapping
var commandAliases = map[string]string{
	"r": "run",
	"b": "build",
	"d": "disasm",
	"v": "verify",
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		return
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "help", "--help", "-h":
		showUsage()
	case "version", "--version", "-v":
		fmt.Printf("simplert %s\n", VERSION)
	case "run":
		os.Exit(cmdRun(args[1:]))
	case "build":
		os.Exit(cmdBuild(args[1:]))
	case "disasm":
		os.Exit(cmdDisasm(args[1:]))
	case "verify":
		os.Exit(cmdVerify(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		showUsage()
		os.Exit(2)
	}
}

func showUsage() {
	fmt.Println(`simplert - Simple bytecode runtime

Usage:
  simplert run [flags] FILE       execute an .sbc module (or assemble-and-run .sir)
  simplert build FILE.sir [OUT]   assemble SIR text to an .sbc module
  simplert disasm FILE            disassemble a module's functions
  simplert verify FILE            load and verify a module, reporting errors
  simplert version                print version

Run flags:
  -tier0 N        calls before Tier0 promotion (default 100)
  -tier1 N        calls before Tier1 promotion (default 1000)
  -gc-interval N  instructions between safe-point GC checks (default 1000)
  -log-level L    debug|info|warn|error (default: logging off)
  -allow M1,M2    restrict FFI imports to the listed modules
  -stats          print tiering statistics after the program halts`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	tier0 := fs.Int("tier0", 0, "calls before Tier0 promotion")
	tier1 := fs.Int("tier1", 0, "calls before Tier1 promotion")
	gcInterval := fs.Int("gc-interval", 0, "instructions between safe-point GC checks")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	allow := fs.String("allow", "", "comma-separated FFI module allow list")
	stats := fs.Bool("stats", false, "print tiering statistics at halt")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "run: exactly one module file expected")
		return 2
	}

	logger := buildLogger(*logLevel)
	m, verified, code := loadAndVerify(fs.Arg(0))
	if code != 0 {
		return code
	}
	if m.Header.EntryMethodID == sbc.NoEntry {
		fmt.Fprintln(os.Stderr, "run: module has no entry point")
		return 1
	}

	resolver := hostffi.New(logger)
	if *allow != "" {
		resolver.AllowModules = strings.Split(*allow, ",")
	}
	rt, err := interp.New(m, verified, interp.Options{
		Resolver:       resolver,
		DL:             resolver.DLCall,
		GCInterval:     *gcInterval,
		Tier0Threshold: *tier0,
		Tier1Threshold: *tier1,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	res, trap := rt.Run(m.Header.EntryMethodID)
	if trap != nil {
		fmt.Fprintln(os.Stderr, trap.Error())
		return 1
	}
	if *stats {
		printStats(res.Stats)
	}
	if res.HasValue {
		return int(res.Value.I32())
	}
	return 0
}

func cmdBuild(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "build: input .sir file expected")
		return 2
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		return 1
	}
	bytes, err := sir.AssembleText(string(src))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		return 1
	}
	out := strings.TrimSuffix(args[0], ".sir") + ".sbc"
	if len(args) > 1 {
		out = args[1]
	}
	if err := os.WriteFile(out, bytes, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s (%s)\n", out, humanize.Bytes(uint64(len(bytes))))
	return 0
}

func cmdDisasm(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "disasm: exactly one module file expected")
		return 2
	}
	m, _, code := loadAndVerify(args[0])
	if code != 0 {
		return code
	}
	text, err := sir.Disassemble(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "disasm: %v\n", err)
		return 1
	}
	fmt.Print(text)
	return 0
}

func cmdVerify(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "verify: exactly one module file expected")
		return 2
	}
	_, _, code := loadAndVerify(args[0])
	if code != 0 {
		return code
	}
	fmt.Println("ok")
	return 0
}

// loadAndVerify reads a module file (assembling it first when it is SIR
// text), loads, and verifies it. Returns a non-zero exit code on failure.
func loadAndVerify(path string) (*sbc.Module, *verify.Result, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, nil, 1
	}
	if strings.HasSuffix(path, ".sir") {
		if data, err = sir.AssembleText(string(data)); err != nil {
			fmt.Fprintf(os.Stderr, "assemble: %v\n", err)
			return nil, nil, 1
		}
	}
	m, err := sbc.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, nil, 1
	}
	verified, err := verify.Verify(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, nil, 1
	}
	return m, verified, 0
}

func buildLogger(level string) *zap.Logger {
	if level == "" {
		return zap.NewNop()
	}
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printStats(s jit.Stats) {
	fmt.Printf("total opcodes executed: %s\n", humanize.Comma(s.TotalOpcodes))
	idxs := make([]int, 0, len(s.CallCounts))
	for idx := range s.CallCounts {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		fmt.Printf("func %d: tier=%s calls=%s opcodes=%s fast=%d/%d tier1exec=%d\n",
			idx, s.Tiers[idx],
			humanize.Comma(s.CallCounts[idx]),
			humanize.Comma(s.OpcodeCounts[idx]),
			s.FastPathExecutions[idx], s.FastPathDispatches[idx],
			s.Tier1Executions[idx])
	}
	if len(s.ProfileRegions) > 0 {
		for name, ticks := range s.ProfileRegions {
			fmt.Printf("region %s: %s ticks\n", name, humanize.Comma(ticks))
		}
	}
}
