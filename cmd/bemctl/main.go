// bemctl is a maintenance CLI for a bem-engine database. It connects with
// the DATABASE_URL environment variable.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	bemengine "github.com/openbem/bem-engine"
	"github.com/openbem/bem-engine/internal/csvio"
	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/store"
)

func main() {
	ctx := context.Background()

	st, err := store.Connect(ctx, os.Getenv("DATABASE_URL"), zerolog.Nop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer st.Close()

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "":
		counts(ctx, st)

	case "setup":
		if err := st.Setup(ctx, bemengine.SchemaSQL); err != nil {
			fmt.Fprintln(os.Stderr, "setup:", err)
			os.Exit(1)
		}
		fmt.Println("schema applied")

	case "import":
		if len(os.Args) < 3 {
			usage()
		}
		importFiles(ctx, st, os.Args[2:])

	case "export":
		if len(os.Args) < 5 {
			usage()
		}
		exportRange(ctx, st, os.Args[2], os.Args[3], os.Args[4:])

	case "events":
		listEvents(ctx, st, os.Args[2:])

	default:
		usage()
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: bemctl [command]

  (none)                           table counts
  setup                            apply the database schema
  import <file.csv> [...]          import timeseries CSV files
  export <start> <end> <id> [...]  write a timeseries CSV to stdout
  events [category]                list open events
`)
	os.Exit(2)
}

func counts(ctx context.Context, st *store.Store) {
	tables := []string{
		"timeseries", "timeseries_data",
		"brokers", "subscribers", "payload_decoders",
		"topics", "topic_links", "topic_by_brokers", "topic_by_subscribers",
		"events", "event_categories",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		st.Pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func importFiles(ctx context.Context, st *store.Store, paths []string) {
	failed := 0
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		err = csvio.Import(ctx, st, f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s: imported\n", path)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func exportRange(ctx context.Context, st *store.Store, startArg, endArg string, idArgs []string) {
	start, err := time.Parse(time.RFC3339, startArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start %q: %v\n", startArg, err)
		os.Exit(2)
	}
	end, err := time.Parse(time.RFC3339, endArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "end %q: %v\n", endArg, err)
		os.Exit(2)
	}

	ids := make([]int64, 0, len(idArgs))
	for _, a := range idArgs {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "timeseries id %q: %v\n", a, err)
			os.Exit(2)
		}
		ids = append(ids, id)
	}

	if err := csvio.Export(ctx, st, os.Stdout, ids, start, end); err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
}

func listEvents(ctx context.Context, st *store.Store, args []string) {
	var f events.Filter
	if len(args) > 0 {
		f.Category = &args[0]
	}
	rows, err := st.ListEvents(ctx, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "events:", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("(no open events)")
		return
	}
	for _, e := range rows {
		end := "open"
		if e.TimestampEnd != nil {
			end = e.TimestampEnd.Format(time.RFC3339)
		}
		fmt.Printf("%6d %-8s %-8s %-32s %s/%d  %s -> %s\n",
			e.ID, e.State, e.Level, e.Category, e.TargetType, e.TargetID,
			e.TimestampStart.Format(time.RFC3339), end)
	}
}
