// Command fsck-larch checks (and optionally repairs) the internal
// consistency of a larch forest on disk: reachability, refcounts,
// leftmost-key ordering, node size, index fill, orphaned files and
// last_id monotonicity (spec.md §6, §8). The binary itself stays a
// thin, out-of-core shell; all the checking logic lives in package
// fsck so it stays testable in-process.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/obnam-mirror/larch/forest"
	"github.com/obnam-mirror/larch/fsck"
	"github.com/obnam-mirror/larch/store"
	"github.com/obnam-mirror/larch/vfs"
)

func main() {
	fix := flag.Bool("fix", false, "repair problems found (drops dangling references, corrects refcounts)")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fsck-larch [-fix] [-v] <forest-dir>")
		os.Exit(2)
	}
	dirname := flag.Arg(0)

	zc := zap.NewProductionConfig()
	if *verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsck-larch: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	s, err := store.Open(vfs.New(), dirname, store.Options{ReadOnly: !*fix}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsck-larch: opening forest:", err)
		os.Exit(1)
	}
	f, err := forest.Open(s, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsck-larch: reading forest:", err)
		os.Exit(1)
	}

	problems, err := fsck.Check(f, *fix)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsck-larch: checking forest:", err)
		os.Exit(1)
	}

	unfixed := 0
	for _, p := range problems {
		fmt.Println(p.String())
		if !p.Fixed {
			unfixed++
		}
	}
	fmt.Printf("%d problem(s) found\n", len(problems))
	if unfixed > 0 {
		os.Exit(1)
	}
}
