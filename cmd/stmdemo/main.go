//go:build linux

// Command stmdemo churns a stmmap segment: seed a pool of random-sized
// allocations, then repeatedly free one and allocate a new one inside its
// own transaction.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/rs/zerolog"

	"github.com/skaphan/stmmap/internal/platform"
	"github.com/skaphan/stmmap/stm"
)

func main() {
	var (
		path       = flag.String("path", "/tmp/stmdemo.seg", "data file to create/open")
		segSize    = flag.Uint64("size", 1<<20, "segment size in bytes")
		iterations = flag.Int("iterations", 2000, "number of free/alloc cycles to run")
		verbose    = flag.Bool("v", false, "log collisions and commits")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	opts := []stm.Option{stm.WithLogger(logger)}
	if *verbose {
		opts = append(opts, stm.WithVerbose(stm.VerboseCollision|stm.VerboseCommit|stm.VerboseErrors))
	}
	mgr := stm.NewManager(opts...)
	defer mgr.Close()

	seg, err := mgr.Open(*path, *segSize, nil, platform.ProtNone)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	if err := mgr.AllocInit(seg, 1); err != nil {
		fmt.Fprintln(os.Stderr, "alloc init:", err)
		os.Exit(1)
	}

	const poolSize = 64
	pool := make([]int64, poolSize)
	for i := range pool {
		size := uint64(rand.Intn(1 << 12))
		addr, err := mgr.Alloc(seg, size)
		if err != nil {
			fmt.Fprintln(os.Stderr, "alloc:", err)
			os.Exit(1)
		}
		pool[i] = addr
	}

	for i := 0; i < *iterations; i++ {
		j := i % poolSize
		old := pool[j]
		var newAddr int64
		err := mgr.Run("blech", func(tx *stm.Tx) error {
			if old != 0 {
				if err := tx.Free(seg, old); err != nil {
					return err
				}
			}
			size := uint64(rand.Intn(1 << 12))
			addr, err := tx.Alloc(seg, size)
			if err != nil {
				return err
			}
			newAddr = addr
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "cycle", i, ":", err)
			os.Exit(1)
		}
		pool[j] = newAddr
	}

	stats := mgr.Stats()
	fmt.Printf("ran %d cycles over a %d-byte segment, %d total collisions, buckets=%v\n",
		*iterations, *segSize, stats.Total(), stats.Counts())
}
