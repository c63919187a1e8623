package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zboralski/bootrace/internal/config"
	"github.com/zboralski/bootrace/internal/emulator"
	glog "github.com/zboralski/bootrace/internal/log"
	"github.com/zboralski/bootrace/internal/rpc"
	"github.com/zboralski/bootrace/internal/session"
	"github.com/zboralski/bootrace/internal/symbols"
	"github.com/zboralski/bootrace/internal/trace"
	"github.com/zboralski/bootrace/internal/ui/colorize"
	"github.com/zboralski/bootrace/internal/ui/viewer"
)

var (
	verbose bool
	color   string

	configPath  string
	symbolsPath string
	scriptPath  string
	maxInsn     uint64
	passes      int
	custom      bool
	customStart hexFlag
	customEnd   hexFlag
	armMode     bool
	enhanced    []string
	outPath     string
	dotPath     string
	listenAddr  string

	disasmBase  hexFlag = config.DefaultLoadBase
	disasmStart hexFlag
	disasmCount int
)

// hexFlag is a uint32 flag that accepts hex with or without 0x.
type hexFlag uint32

func (h *hexFlag) String() string { return fmt.Sprintf("0x%08x", uint32(*h)) }
func (h *hexFlag) Type() string   { return "hex" }

func (h *hexFlag) Set(s string) error {
	v, err := parseHex(s)
	if err != nil {
		return err
	}
	*h = hexFlag(v)
	return nil
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad hex %q", s)
	}
	return uint32(v), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "bootrace",
		Short: "Trace big-endian ARM boot code and its MMIO traffic",
		Long: `Bootrace runs a flat ARM big-endian boot image under Unicorn Engine.

Every basic block transition is recorded into a code flow trace and every
access to the peripheral window is logged, with device side effects such as
the free-running timer applied before the load sees its value.

Examples:
  bootrace run boot1.bin -s symbol_map.txt       # Full boot trace
  bootrace run boot1.bin --custom -n 30          # Run one function
  bootrace run -c session.yaml --out boot1.trace # Export the trace
  bootrace view boot1.trace                      # Browse an export
  bootrace serve boot1.bin --listen :8080        # Query over Connect`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			glog.Init(verbose)
			switch color {
			case "always":
				colorize.SetEnabled(true)
			case "never":
				colorize.SetEnabled(false)
			default:
				colorize.SetEnabled(colorize.Auto(os.Stdout))
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVar(&color, "color", "auto", "colour output: auto, always or never")

	runCmd := &cobra.Command{
		Use:   "run [image]",
		Short: "Emulate an image and print its code flow",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSession,
	}
	addSessionFlags(runCmd)
	runCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the trace export to this file")
	runCmd.Flags().StringVar(&dotPath, "dot", "", "write the call graph in Graphviz format")
	rootCmd.AddCommand(runCmd)

	serveCmd := &cobra.Command{
		Use:   "serve [image]",
		Short: "Emulate an image, then serve the result over Connect",
		Args:  cobra.MaximumNArgs(1),
		RunE:  serveSession,
	}
	addSessionFlags(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "listen address")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "symbols <symbol_map.txt>",
		Short: "Validate and list a symbol map",
		Args:  cobra.ExactArgs(1),
		RunE:  listSymbols,
	})

	disasmCmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "Disassemble part of an image in ARM mode",
		Args:  cobra.ExactArgs(1),
		RunE:  disassemble,
	}
	disasmCmd.Flags().Var(&disasmBase, "base", "load address of the image")
	disasmCmd.Flags().Var(&disasmStart, "start", "first address (default base)")
	disasmCmd.Flags().IntVarP(&disasmCount, "count", "n", 32, "instructions to list")
	disasmCmd.Flags().StringVarP(&symbolsPath, "symbols", "s", "", "symbol map")
	rootCmd.AddCommand(disasmCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "view <trace>",
		Short: "Browse an exported trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := trace.ReadFile(args[0])
			if err != nil {
				return err
			}
			return viewer.Run(exp)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "session YAML")
	f.StringVarP(&symbolsPath, "symbols", "s", "", "symbol map (hex address TAB name)")
	f.StringVar(&scriptPath, "script", "", "JavaScript hooks")
	f.Uint64VarP(&maxInsn, "num", "n", 0, "instruction budget (default from config)")
	f.IntVar(&passes, "passes", 0, "number of runs, each resuming where the last stopped")
	f.BoolVar(&custom, "custom", false, "custom range mode")
	f.Var(&customStart, "start", "custom range start")
	f.Var(&customEnd, "end", "custom range end")
	f.BoolVar(&armMode, "arm", false, "custom range is ARM, not Thumb")
	f.StringSliceVar(&enhanced, "enhanced", nil, "PCs that get full register dumps on I/O")
}

// loadConfig merges the config file, positional image and flags.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if len(args) > 0 {
		cfg.Image = args[0]
	}

	f := cmd.Flags()
	if f.Changed("symbols") {
		cfg.Symbols = symbolsPath
	}
	if f.Changed("script") {
		cfg.Script = scriptPath
	}
	if f.Changed("num") {
		if custom || cfg.Custom.Enabled {
			cfg.Custom.MaxInstructions = maxInsn
		} else {
			cfg.MaxInstructions = maxInsn
		}
	}
	if f.Changed("passes") {
		cfg.Passes = passes
	}
	if f.Changed("custom") {
		cfg.Custom.Enabled = custom
	}
	if f.Changed("start") {
		cfg.Custom.Start = uint32(customStart)
	}
	if f.Changed("end") {
		cfg.Custom.End = uint32(customEnd)
	}
	if f.Changed("arm") {
		cfg.Custom.Thumb = !armMode
	}
	for _, s := range enhanced {
		pc, err := parseHex(s)
		if err != nil {
			return nil, err
		}
		cfg.Enhanced = append(cfg.Enhanced, pc)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// execute runs one session, writing the console protocol to stdout.
func execute(ctx context.Context, cmd *cobra.Command, args []string) (*session.Session, *session.Result, error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, nil, err
	}

	out := colorize.NewWriter(os.Stdout)
	defer out.Flush()

	s, err := session.New(cfg, session.WithOutput(out))
	if err != nil {
		return nil, nil, err
	}
	res, err := s.Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	printStats(out, res)
	return s, res, nil
}

func printStats(w io.Writer, res *session.Result) {
	st := res.Stats
	fmt.Fprintln(w)
	fmt.Fprint(w, colorize.Border("───────────────────────────────────────── "))
	fmt.Fprintf(w, "%s edges  %s blocks  %s reads  %s writes  %s invalid",
		colorize.Value(strconv.Itoa(len(res.Lines))),
		colorize.Value(strconv.Itoa(res.Blocks)),
		colorize.Value(strconv.Itoa(st.Reads)),
		colorize.Value(strconv.Itoa(st.Writes)),
		colorize.Value(strconv.Itoa(st.Invalid)))
	if res.Fault != nil {
		fmt.Fprintf(w, "  %s", colorize.Error(res.Fault.Error()))
	}
	fmt.Fprintln(w)
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, res, err := execute(ctx, cmd, args)
	if err != nil {
		return err
	}

	if outPath != "" {
		if err := trace.WriteFile(outPath, res.Export()); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", colorize.Detail("trace:"), outPath)
	}
	if dotPath != "" {
		dot := trace.DOT(s.Symbols(), res.Edges, "bootrace")
		if err := os.WriteFile(dotPath, []byte(dot), 0644); err != nil {
			return fmt.Errorf("write dot: %w", err)
		}
		fmt.Printf("%s %s\n", colorize.Detail("graph:"), dotPath)
	}
	return nil
}

func serveSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, res, err := execute(ctx, cmd, args)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s\n", colorize.Detail("serving"), colorize.Label(res.ID), colorize.Detail("on "+listenAddr))
	return rpc.ListenAndServe(ctx, listenAddr, rpc.NewServer(res, s.Symbols()).Handler())
}

func listSymbols(cmd *cobra.Command, args []string) error {
	bad := 0
	t, err := symbols.LoadFile(args[0], func(e *symbols.FormatError) {
		bad++
		fmt.Println(colorize.Error(e.Error()))
	})
	if err != nil {
		return err
	}
	for _, addr := range t.Addresses() {
		fmt.Printf("%s\t%s\n", colorize.Address(addr), colorize.Label(t.Name(addr)))
	}
	fmt.Printf("%s %d symbols, %d rejected\n", colorize.Border("──"), t.Len(), bad)
	return nil
}

func disassemble(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	syms := symbols.New()
	if symbolsPath != "" {
		if syms, err = symbols.LoadFile(symbolsPath, nil); err != nil {
			return err
		}
	}

	base := uint32(disasmBase)
	start := base
	if cmd.Flags().Changed("start") {
		start = uint32(disasmStart)
	}
	if start < base || start%4 != 0 {
		return fmt.Errorf("start 0x%08x not a word inside the image", start)
	}

	for i := 0; i < disasmCount; i++ {
		addr := start + uint32(i*4)
		off := int(addr - base)
		if off+4 > len(image) {
			break
		}
		word := uint32(image[off])<<24 | uint32(image[off+1])<<16 | uint32(image[off+2])<<8 | uint32(image[off+3])
		if name, ok := syms.Lookup(addr); ok {
			fmt.Printf("\n%s:\n", colorize.Label(name))
		}
		fmt.Printf("%s  %s  %s\n",
			colorize.Address(addr),
			colorize.Detail(fmt.Sprintf("%08x", word)),
			colorize.Instruction(emulator.DecodeARM(word)))
	}
	return nil
}
