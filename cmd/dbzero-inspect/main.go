// dbzero-inspect is a read-only CLI inspector for a page store file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nainya/dbzero/pkg/pagestore"
)

var (
	dbPath = flag.String("db", "", "Page store file path (required)")
	cmd    = flag.String("cmd", "stats", "Command: stats | page | mutation")
	page   = flag.Uint64("page", 0, "Page number, for -cmd=page or -cmd=mutation")
	state  = flag.Uint64("state", 0, "State number, for -cmd=page or -cmd=mutation (0 = latest)")
)

func main() {
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "dbzero-inspect: -db is required")
		flag.Usage()
		os.Exit(2)
	}

	store, err := pagestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer store.Close()

	switch *cmd {
	case "stats":
		runStats(store)
	case "page":
		runPage(store, *page, *state)
	case "mutation":
		runMutation(store, *page, *state)
	default:
		fmt.Fprintf(os.Stderr, "dbzero-inspect: unknown -cmd %q\n", *cmd)
		os.Exit(2)
	}
}

func runStats(store *pagestore.PageStore) {
	fmt.Printf("page_size:      %d\n", store.GetPageSize())
	fmt.Printf("max_state_num:  %d\n", store.MaxStateNum())
	fmt.Printf("store_size:     %d bytes\n", store.StoreSize())
	fmt.Printf("page_count:     %d\n", store.PageCount())
}

func runPage(store *pagestore.PageStore, pageNum, stateNum uint64) {
	queryState := stateNum
	if queryState == 0 {
		queryState = store.MaxStateNum()
	}
	data, err := store.Read(pageNum, queryState)
	if err != nil {
		log.Fatalf("read page %d at state %d: %v", pageNum, queryState, err)
	}
	fmt.Printf("page %d @ state<=%d: %d bytes\n", pageNum, queryState, len(data))
	dumpHex(data, 256)
}

func runMutation(store *pagestore.PageStore, pageNum, stateNum uint64) {
	queryState := stateNum
	if queryState == 0 {
		queryState = store.MaxStateNum()
	}
	s, ok := store.TryFindMutation(pageNum, queryState)
	if !ok {
		fmt.Printf("page %d: no mutation at or before state %d\n", pageNum, queryState)
		return
	}
	fmt.Printf("page %d: last mutated at state %d\n", pageNum, s)
}

func dumpHex(data []byte, limit int) {
	n := len(data)
	if n > limit {
		n = limit
	}
	for i := 0; i < n; i += 16 {
		end := i + 16
		if end > n {
			end = n
		}
		fmt.Printf("%08x  % x\n", i, data[i:end])
	}
	if len(data) > limit {
		fmt.Printf("... (%d more bytes)\n", len(data)-limit)
	}
}
