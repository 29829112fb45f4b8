// Command rangecask is a small CLI front-end over the embeddable core.DB
// engine. It is a local, in-process client: the network front-end that
// would normally sit between a CLI/driver and this engine is explicitly out
// of scope for the core.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/epokhe/rangecask/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  rangecask -path <data-dir> get <key>\n")
	fmt.Fprintf(os.Stderr, "  rangecask -path <data-dir> put <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  rangecask -path <data-dir> delete <key>\n")
	fmt.Fprintf(os.Stderr, "  rangecask -path <data-dir> range <start> <end>\n")
	fmt.Fprintf(os.Stderr, "  rangecask -path <data-dir> serve\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath  = flag.String("path", "", "path to data directory")
		rollMax = flag.Int64("rollover-bytes", 128*1024*1024, "segment rollover threshold in bytes")
	)
	flag.Parse()

	if *dbPath == "" || flag.NArg() < 1 {
		usage()
	}

	db, err := core.Open(*dbPath, core.WithRolloverThreshold(*rollMax))
	if err != nil {
		log.Fatalf("could not open the database: %v", err)
	}
	defer db.Close()

	args := flag.Args()
	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
		}
		val, err := db.Get([]byte(args[1]))
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		fmt.Println(string(val))

	case "put":
		if len(args) != 3 {
			usage()
		}
		if err := db.Put([]byte(args[1]), []byte(args[2])); err != nil {
			log.Fatalf("put: %v", err)
		}

	case "delete":
		if len(args) != 2 {
			usage()
		}
		if err := db.Delete([]byte(args[1])); err != nil {
			log.Fatalf("delete: %v", err)
		}

	case "range":
		if len(args) != 3 {
			usage()
		}
		kvs, err := db.Range([]byte(args[1]), []byte(args[2]))
		if err != nil {
			log.Fatalf("range: %v", err)
		}
		for _, kv := range kvs {
			fmt.Printf("%s=%s\n", kv.Key, kv.Value)
		}

	case "serve":
		runUntilSignal(db)

	default:
		usage()
	}
}

// runUntilSignal keeps the engine open (and its compactor running) until
// the process receives SIGINT/SIGTERM or the compactor reports a fatal
// background error.
func runUntilSignal(db *core.DB) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-db.CompactionErrors():
		log.Printf("compaction error: %v", err)
	}
}
