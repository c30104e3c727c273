// roly is a CLI for inspecting and maintaining rolling-hash ring files.
//
// Usage:
//
//	roly [opts] <ring-file>    Open an existing ring file, or create one
//	roly config init           Write a default config file
//
// Options:
//
//	-r, --region-size   Region size for new files (accepts "64MB" style values)
//	-i, --index-size    Hash index buckets for new files
//	-c, --config        Config file path (default ~/.config/roly/config.json)
//	-v, --verbose       Debug logging
//
// Commands (in REPL):
//
//	get <key>                 Look a key up
//	put <key> <value>         Insert or replace a key
//	del <key>                 Drop a key
//	scan [limit]              List records in ring order, dead ones included
//	head                      Show the ring head
//	rotate                    Rotate a live head to the tail
//	reclaim                   Reclaim a dead head
//	compact <n>               Rotate/reclaim up to n head records
//	wouldfit <klen> <vlen>    Check whether a record would fit
//	info                      Region, index, and counter summary
//	bench <count>             Benchmark put+get
//	help                      Show this help
//	exit / quit / q           Exit
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jgraettinger/samoa-go/pkg/rollhash"
)

// Region header offsets for peeking at existing ring files (matches the
// rollhash format).
const (
	ringHeaderSize    = 36
	ringOffState      = 0x00
	ringOffRegionSize = 0x08
	ringOffIndexSize  = 0x0C
	ringStateFrozen   = 0xF0F0F0F0
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("roly", flag.ContinueOnError)

	regionSize := flags.StringP("region-size", "r", "", "region size for new files (e.g. 64MB)")
	indexSize := flags.Uint32P("index-size", "i", 0, "hash index buckets for new files")
	configPath := flags.StringP("config", "c", "", "config file path")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  roly [opts] <ring-file>    Open or create a ring file\n")
		fmt.Fprintf(os.Stderr, "  roly config init           Write a default config file\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	if flags.NArg() >= 1 && flags.Arg(0) == "config" {
		return runConfig(flags.Args()[1:], *configPath)
	}

	if flags.NArg() < 1 {
		flags.Usage()

		return errors.New("missing ring file path")
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, cfgPath, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if cfgPath != "" {
		log.Debugw("loaded config", "path", cfgPath)
	}

	opts, err := resolveOptions(flags.Arg(0), cfg, *regionSize, *indexSize)
	if err != nil {
		return err
	}

	log.Debugw("opening ring",
		"path", opts.Path,
		"region_size", datasize.ByteSize(opts.RegionSize).HR(),
		"index_size", opts.IndexSize)

	ring, err := rollhash.Open(opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", opts.Path, err)
	}

	defer func() {
		if closeErr := ring.Close(); closeErr != nil {
			log.Errorw("closing ring", "error", closeErr)
		}
	}()

	repl := &repl{ring: ring, path: opts.Path, log: log}

	return repl.run()
}

// newLogger builds a console logger on stderr.
func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	return logger.Sugar(), nil
}

// resolveOptions decides region geometry: an existing frozen file knows
// its own sizes; a new file takes them from flags, then config, then
// defaults.
func resolveOptions(path string, cfg config, regionFlag string, indexFlag uint32) (rollhash.Options, error) {
	opts := rollhash.Options{Path: path}

	if stored, ok, err := peekRingHeader(path); err != nil {
		return rollhash.Options{}, err
	} else if ok {
		opts.RegionSize = stored.regionSize
		opts.IndexSize = stored.indexSize

		return opts, nil
	}

	size := cfg.RegionSize
	if regionFlag != "" {
		size = regionFlag
	}

	var parsed datasize.ByteSize
	if err := parsed.UnmarshalText([]byte(size)); err != nil {
		return rollhash.Options{}, fmt.Errorf("bad region size %q: %w", size, err)
	}

	opts.RegionSize = uint32(parsed.Bytes())
	opts.IndexSize = cfg.IndexSize

	if indexFlag != 0 {
		opts.IndexSize = indexFlag
	}

	return opts, nil
}

type storedGeometry struct {
	regionSize uint32
	indexSize  uint32
}

// peekRingHeader reads an existing file's header. ok is false when the
// file is missing or was never cleanly frozen.
func peekRingHeader(path string) (storedGeometry, bool, error) {
	f, err := os.Open(path) //nolint:gosec // path is from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return storedGeometry{}, false, nil
		}

		return storedGeometry{}, false, err
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, ringHeaderSize)

	if _, err := io.ReadFull(f, header); err != nil {
		return storedGeometry{}, false, nil //nolint:nilerr // short file: not a frozen ring
	}

	if binary.LittleEndian.Uint32(header[ringOffState:]) != ringStateFrozen {
		return storedGeometry{}, false, nil
	}

	return storedGeometry{
		regionSize: binary.LittleEndian.Uint32(header[ringOffRegionSize:]),
		indexSize:  binary.LittleEndian.Uint32(header[ringOffIndexSize:]),
	}, true, nil
}

// repl is the interactive command loop.
type repl struct {
	ring *rollhash.Mapped
	path string
	log  *zap.SugaredLogger

	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".roly_history")
}

var replCommands = []string{
	"get", "put", "del", "scan", "head", "rotate", "reclaim",
	"compact", "wouldfit", "info", "bench", "help", "exit", "quit",
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("roly - rolling-hash ring CLI (%s, region=%s, index=%d)\n",
		r.path, datasize.ByteSize(r.ring.TotalRegionSize()).HR(), r.ring.TotalIndexSize())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("roly> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")

			break
		}

		if err := r.dispatch(cmd, args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path) //nolint:gosec // fixed path under $HOME
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}

func (r *repl) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		r.printHelp()

		return nil
	case "get":
		return r.cmdGet(args)
	case "put":
		return r.cmdPut(args)
	case "del":
		return r.cmdDel(args)
	case "scan":
		return r.cmdScan(args)
	case "head":
		return r.cmdHead()
	case "rotate":
		return r.ring.RotateHead()
	case "reclaim":
		return r.ring.ReclaimHead()
	case "compact":
		return r.cmdCompact(args)
	case "wouldfit":
		return r.cmdWouldFit(args)
	case "info":
		return r.cmdInfo()
	case "bench":
		return r.cmdBench(args)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (r *repl) printHelp() {
	fmt.Println(`Commands:
  get <key>                 Look a key up
  put <key> <value>         Insert or replace a key
  del <key>                 Drop a key
  scan [limit]              List records in ring order, dead ones included
  head                      Show the ring head
  rotate                    Rotate a live head to the tail
  reclaim                   Reclaim a dead head
  compact <n>               Rotate/reclaim up to n head records
  wouldfit <klen> <vlen>    Check whether a record would fit
  info                      Region, index, and counter summary
  bench <count>             Benchmark put+get
  exit / quit / q           Exit`)
}

func (r *repl) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	rec, _, ok := r.ring.Lookup([]byte(args[0]))
	if !ok {
		fmt.Println("(not found)")

		return nil
	}

	fmt.Printf("%q @ %d (%d bytes)\n", rec.Value(), rec.Offset(), len(rec.Value()))

	return nil
}

func (r *repl) cmdPut(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <value>")
	}

	if err := r.ring.Put([]byte(args[0]), []byte(args[1]), rollhash.NoHint); err != nil {
		return err
	}

	fmt.Println("ok")

	return nil
}

func (r *repl) cmdDel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}

	dropped, err := r.ring.Drop([]byte(args[0]), rollhash.NoHint)
	if err != nil {
		return err
	}

	if !dropped {
		fmt.Println("(not found)")

		return nil
	}

	fmt.Println("ok")

	return nil
}

func (r *repl) cmdScan(args []string) error {
	limit := 50

	if len(args) >= 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			return errors.New("usage: scan [limit]")
		}

		limit = parsed
	}

	count := 0

	r.ring.Records()(func(rec rollhash.Record) bool {
		state := "live"
		if rec.IsDead() {
			state = "dead"
		}

		fmt.Printf("%8d  %s  %q = %q\n", rec.Offset(), state, rec.Key(), rec.Value())
		count++

		return count < limit
	})

	if count == 0 {
		fmt.Println("(empty)")
	}

	return nil
}

func (r *repl) cmdHead() error {
	head, ok := r.ring.Head()
	if !ok {
		fmt.Println("(empty)")

		return nil
	}

	state := "live"
	if head.IsDead() {
		state = "dead"
	}

	fmt.Printf("%8d  %s  %q = %q\n", head.Offset(), state, head.Key(), head.Value())

	return nil
}

// cmdCompact advances the ring head up to n records, reclaiming dead
// ones and rotating live ones.
func (r *repl) cmdCompact(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: compact <n>")
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return errors.New("usage: compact <n>")
	}

	var rotated, reclaimed int

	for range n {
		head, ok := r.ring.Head()
		if !ok {
			break
		}

		if head.IsDead() {
			if err := r.ring.ReclaimHead(); err != nil {
				return err
			}

			reclaimed++
		} else {
			if err := r.ring.RotateHead(); err != nil {
				return err
			}

			rotated++
		}
	}

	fmt.Printf("rotated %d, reclaimed %d\n", rotated, reclaimed)

	return nil
}

func (r *repl) cmdWouldFit(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: wouldfit <keylen> <valuelen>")
	}

	keyLen, err1 := strconv.Atoi(args[0])
	valueLen, err2 := strconv.Atoi(args[1])

	if err1 != nil || err2 != nil {
		return errors.New("usage: wouldfit <keylen> <valuelen>")
	}

	fmt.Println(r.ring.WouldFit(keyLen, valueLen))

	return nil
}

func (r *repl) cmdInfo() error {
	used := r.ring.UsedRegionSize()
	total := r.ring.TotalRegionSize()

	fmt.Printf("path:          %s\n", r.path)
	fmt.Printf("region:        %s used of %s (%.1f%%)\n",
		datasize.ByteSize(used).HR(), datasize.ByteSize(total).HR(),
		100*float64(used)/float64(total))
	fmt.Printf("index:         %d of %d buckets in use\n",
		r.ring.UsedIndexSize(), r.ring.TotalIndexSize())
	fmt.Printf("records:       %d total, %d live\n",
		r.ring.TotalRecordCount(), r.ring.LiveRecordCount())

	return nil
}

func (r *repl) cmdBench(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: bench <count>")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return errors.New("usage: bench <count>")
	}

	value := []byte("benchmark-value-benchmark-value!")
	start := time.Now()

	for i := range count {
		key := fmt.Appendf(nil, "bench-%08d", i)

		for !r.ring.WouldFit(len(key), len(value)) {
			head, ok := r.ring.Head()
			if !ok {
				return rollhash.ErrCapacity
			}

			if head.IsDead() {
				if err := r.ring.ReclaimHead(); err != nil {
					return err
				}

				continue
			}

			headKey := append([]byte(nil), head.Key()...)
			if _, err := r.ring.Drop(headKey, rollhash.NoHint); err != nil {
				return err
			}

			if err := r.ring.ReclaimHead(); err != nil {
				return err
			}
		}

		if err := r.ring.Put(key, value, rollhash.NoHint); err != nil {
			return err
		}
	}

	putElapsed := time.Since(start)
	start = time.Now()

	var hits int

	for i := range count {
		if _, _, ok := r.ring.Lookup(fmt.Appendf(nil, "bench-%08d", i)); ok {
			hits++
		}
	}

	getElapsed := time.Since(start)

	fmt.Printf("put: %d in %v (%.0f/s)\n", count, putElapsed,
		float64(count)/putElapsed.Seconds())
	fmt.Printf("get: %d in %v (%.0f/s), %d still resident\n", count, getElapsed,
		float64(count)/getElapsed.Seconds(), hits)

	return nil
}
