// Command larch-bench runs a handful of independent, out-of-core
// workloads against fresh larch forests and reports their timing and
// memory use. Each workload gets its own forest directory and runs in
// its own goroutine via errgroup.Group, since a single forest accepts
// only one writer at a time (spec.md Non-goals) — concurrency here
// comes from running unrelated forests side by side, not from sharing
// one. The memory-reporting and elapsed-time style is carried from the
// teacher's tc/ benchmark tool.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obnam-mirror/larch/forest"
	"github.com/obnam-mirror/larch/store"
	"github.com/obnam-mirror/larch/vfs"
)

func printMem(label string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("%s: heap in use %d MB\n", label, m.HeapInuse/1000000)
}

type result struct {
	name    string
	elapsed time.Duration
}

func sequentialInsert(dir string, n int, log *zap.SugaredLogger) (result, error) {
	s, err := store.Open(vfs.New(), dir, store.Options{NodeSize: 4096, KeySize: 8}, log)
	if err != nil {
		return result{}, err
	}
	f, err := forest.Open(s, log)
	if err != nil {
		return result{}, err
	}
	t := f.NewTree()

	start := time.Now()
	var key [8]byte
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(key[:], uint64(i))
		if err := t.BTree().InsertNext(key[:], key[:]); err != nil {
			return result{}, err
		}
	}
	if err := f.Commit(); err != nil {
		return result{}, err
	}
	return result{name: "sequential-insert", elapsed: time.Since(start)}, nil
}

func randomInsert(dir string, n int, log *zap.SugaredLogger) (result, error) {
	s, err := store.Open(vfs.New(), dir, store.Options{NodeSize: 4096, KeySize: 8}, log)
	if err != nil {
		return result{}, err
	}
	f, err := forest.Open(s, log)
	if err != nil {
		return result{}, err
	}
	t := f.NewTree()

	start := time.Now()
	var key [8]byte
	seed := uint64(0x9E3779B97F4A7C15)
	for i := 0; i < n; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		binary.BigEndian.PutUint64(key[:], seed)
		if err := t.BTree().Insert(key[:], key[:]); err != nil {
			return result{}, err
		}
	}
	if err := f.Commit(); err != nil {
		return result{}, err
	}
	return result{name: "random-insert", elapsed: time.Since(start)}, nil
}

func cloneThenDiverge(dir string, n int, log *zap.SugaredLogger) (result, error) {
	s, err := store.Open(vfs.New(), dir, store.Options{NodeSize: 4096, KeySize: 8}, log)
	if err != nil {
		return result{}, err
	}
	f, err := forest.Open(s, log)
	if err != nil {
		return result{}, err
	}
	base := f.NewTree()
	var key [8]byte
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(key[:], uint64(i))
		if err := base.BTree().InsertNext(key[:], key[:]); err != nil {
			return result{}, err
		}
	}

	start := time.Now()
	clone, err := f.CloneTree(base)
	if err != nil {
		return result{}, err
	}
	for i := 0; i < n/10; i++ {
		binary.BigEndian.PutUint64(key[:], uint64(i*2))
		if err := clone.BTree().Insert(key[:], []byte("modified")); err != nil {
			return result{}, err
		}
	}
	if err := f.Commit(); err != nil {
		return result{}, err
	}
	return result{name: "clone-then-diverge", elapsed: time.Since(start)}, nil
}

func main() {
	n := flag.Int("n", 100000, "number of keys per workload")
	outDir := flag.String("dir", "", "parent directory for forests (default: a temp dir)")
	flag.Parse()

	log := zap.NewNop().Sugar()

	parent := *outDir
	if parent == "" {
		tmp, err := os.MkdirTemp("", "larch-bench-")
		if err != nil {
			fmt.Fprintln(os.Stderr, "larch-bench:", err)
			os.Exit(1)
		}
		parent = tmp
		defer os.RemoveAll(parent)
	}

	printMem("before")
	start := time.Now()

	results := make([]result, 3)
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		r, err := sequentialInsert(filepath.Join(parent, "sequential"), *n, log)
		results[0] = r
		return err
	})
	g.Go(func() error {
		r, err := randomInsert(filepath.Join(parent, "random"), *n, log)
		results[1] = r
		return err
	})
	g.Go(func() error {
		r, err := cloneThenDiverge(filepath.Join(parent, "clone"), *n, log)
		results[2] = r
		return err
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "larch-bench:", err)
		os.Exit(1)
	}

	for _, r := range results {
		fmt.Printf("%-20s %v\n", r.name, r.elapsed)
	}
	fmt.Println("total elapsed:", time.Since(start))
	printMem("after")
}
