// roly-bench seeds and benchmarks rolling-hash ring files, one ring per
// partition, the way the surrounding key/value service lays them out.
//
// Each partition worker runs on its own goroutine against its own ring
// file (a ring is single-writer; partitions are the unit of
// parallelism). Workers insert records round-robin over a bounded
// keyspace, making room with the same reclaim/rotate/evict loop the
// service uses, then report fill and throughput.
//
// Usage:
//
//	roly-bench [opts] <dir>
//
// Options:
//
//	-p, --partitions    Number of ring files (default 4)
//	-n, --records       Records to write per partition (default 100000)
//	-k, --keys          Distinct keys per partition (default 10000)
//	    --value-size    Value bytes per record (default 128)
//	-r, --region-size   Region size per ring (default 32MB)
//	-i, --index-size    Hash index buckets per ring (default 65536)
//	-v, --verbose       Debug logging
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/jgraettinger/samoa-go/pkg/rollhash"
)

type benchConfig struct {
	dir        string
	partitions int
	records    int
	keys       int
	valueSize  int
	regionSize uint32
	indexSize  uint32
}

type partitionResult struct {
	partition int
	elapsed   time.Duration
	rotated   uint64
	reclaimed uint64
	evicted   uint64
	liveCount uint32
	usedBytes uint32
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("roly-bench", flag.ContinueOnError)

	partitions := flags.IntP("partitions", "p", 4, "number of ring files")
	records := flags.IntP("records", "n", 100_000, "records to write per partition")
	keys := flags.IntP("keys", "k", 10_000, "distinct keys per partition")
	valueSize := flags.Int("value-size", 128, "value bytes per record")
	regionSize := flags.StringP("region-size", "r", "32MB", "region size per ring")
	indexSize := flags.Uint32P("index-size", "i", 1<<16, "hash index buckets per ring")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: roly-bench [opts] <dir>\n\nOptions:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	if flags.NArg() < 1 {
		flags.Usage()

		return errors.New("missing output directory")
	}

	var parsed datasize.ByteSize
	if err := parsed.UnmarshalText([]byte(*regionSize)); err != nil {
		return fmt.Errorf("bad region size %q: %w", *regionSize, err)
	}

	cfg := benchConfig{
		dir:        flags.Arg(0),
		partitions: *partitions,
		records:    *records,
		keys:       *keys,
		valueSize:  *valueSize,
		regionSize: uint32(parsed.Bytes()),
		indexSize:  *indexSize,
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.dir, err)
	}

	log.Infow("starting",
		"partitions", cfg.partitions,
		"records_per_partition", cfg.records,
		"region_size", datasize.ByteSize(cfg.regionSize).HR())

	results := make([]partitionResult, cfg.partitions)
	start := time.Now()

	var group errgroup.Group

	for p := range cfg.partitions {
		group.Go(func() error {
			result, workerErr := runPartition(cfg, p)
			if workerErr != nil {
				return fmt.Errorf("partition %d: %w", p, workerErr)
			}

			results[p] = result

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	wall := time.Since(start)

	var totalWrites, totalRotated, totalReclaimed, totalEvicted uint64

	for _, result := range results {
		totalWrites += uint64(cfg.records)
		totalRotated += result.rotated
		totalReclaimed += result.reclaimed
		totalEvicted += result.evicted

		log.Infow("partition done",
			"partition", result.partition,
			"elapsed", result.elapsed,
			"live", result.liveCount,
			"used", datasize.ByteSize(result.usedBytes).HR(),
			"rotated", result.rotated,
			"reclaimed", result.reclaimed,
			"evicted", result.evicted)
	}

	log.Infow("done",
		"wall", wall,
		"writes", totalWrites,
		"writes_per_sec", uint64(float64(totalWrites)/wall.Seconds()),
		"rotated", totalRotated,
		"reclaimed", totalReclaimed,
		"evicted", totalEvicted)

	return nil
}

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

// runPartition seeds one ring file and closes it cleanly so the result
// is reopenable.
func runPartition(cfg benchConfig, partition int) (partitionResult, error) {
	path := filepath.Join(cfg.dir, fmt.Sprintf("part-%03d.ring", partition))

	ring, err := rollhash.Open(rollhash.Options{
		Path:       path,
		RegionSize: cfg.regionSize,
		IndexSize:  cfg.indexSize,
	})
	if err != nil {
		return partitionResult{}, err
	}

	result := partitionResult{partition: partition}
	value := make([]byte, cfg.valueSize)

	for i := range value {
		value[i] = byte('a' + i%26)
	}

	start := time.Now()

	for i := range cfg.records {
		key := fmt.Appendf(nil, "part%03d-key-%08d", partition, i%cfg.keys)

		if err := makeRoom(ring, len(key), len(value), &result); err != nil {
			_ = ring.Close()

			return partitionResult{}, err
		}

		if err := ring.Put(key, value, rollhash.NoHint); err != nil {
			_ = ring.Close()

			return partitionResult{}, err
		}
	}

	result.elapsed = time.Since(start)
	result.liveCount = ring.LiveRecordCount()
	result.usedBytes = ring.UsedRegionSize()

	if err := ring.Close(); err != nil {
		return partitionResult{}, err
	}

	return result, nil
}

// makeRoom frees ring space until a keyLen/valueLen record fits:
// reclaim dead heads, rotate live ones, and - when rotation alone
// cannot help because everything is live - evict the oldest key.
func makeRoom(ring *rollhash.Mapped, keyLen, valueLen int, result *partitionResult) error {
	rotateBudget := ring.TotalRecordCount()

	for !ring.WouldFit(keyLen, valueLen) {
		head, ok := ring.Head()
		if !ok {
			return fmt.Errorf("record of %d bytes exceeds region: %w",
				keyLen+valueLen, rollhash.ErrCapacity)
		}

		if head.IsDead() {
			if err := ring.ReclaimHead(); err != nil {
				return err
			}

			result.reclaimed++

			continue
		}

		if rotateBudget > 0 {
			if err := ring.RotateHead(); err != nil {
				return err
			}

			result.rotated++
			rotateBudget--

			continue
		}

		// A full lap of rotations uncovered nothing dead: evict.
		headKey := append([]byte(nil), head.Key()...)

		if _, err := ring.Drop(headKey, rollhash.NoHint); err != nil {
			return err
		}

		if err := ring.ReclaimHead(); err != nil {
			return err
		}

		result.evicted++
	}

	return nil
}
