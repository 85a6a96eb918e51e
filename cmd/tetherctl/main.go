// tetherctl - tether control tool: boots a worker pool against the
// simulated engine, runs demo workloads, and inspects the task journal.
//
// Build: go build ./cmd/tetherctl
// Usage:
//   tetherctl                                # boot pool, run demo tasks
//   tetherctl --config tether.toml           # boot with config file
//   tetherctl --stats                        # print journal statistics
//   tetherctl --recent 20                    # print last 20 journal events
//   tetherctl --sweep 24h                    # delete journal events older than 24h
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tether/async"
	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/engine/sim"
	"github.com/chazu/tether/journal"
	"github.com/chazu/tether/mem"
	"github.com/chazu/tether/rt"
)

var (
	configPath = flag.String("config", "", "TOML config file path")
	statsOnly  = flag.Bool("stats", false, "Print journal statistics and exit")
	recentN    = flag.Int("recent", 0, "Print the last N journal events and exit")
	sweepAge   = flag.Duration("sweep", 0, "Delete journal events older than this and exit")
	verbose    = flag.Bool("v", false, "Verbose logging")
	tasks      = flag.Int("tasks", 8, "Number of demo tasks to dispatch")
)

func main() {
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	cfg := rt.DefaultConfig()
	if *configPath != "" {
		loaded, err := rt.LoadConfig(*configPath)
		if err != nil {
			fail("loading config: %v", err)
		}
		cfg = loaded
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "tether.db"
	}

	if *statsOnly || *recentN > 0 || *sweepAge > 0 {
		inspectJournal(cfg)
		return
	}

	runDemo(cfg)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tetherctl: "+format+"\n", args...)
	os.Exit(1)
}

// inspectJournal serves the read-only journal subcommands.
func inspectJournal(cfg *rt.Config) {
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fail("opening journal: %v", err)
	}
	defer j.Close()

	switch {
	case *sweepAge > 0:
		n, err := j.Sweep(*sweepAge)
		if err != nil {
			fail("sweeping journal: %v", err)
		}
		fmt.Printf("swept %d events\n", n)

	case *recentN > 0:
		events, err := j.Recent(*recentN)
		if err != nil {
			fail("reading journal: %v", err)
		}
		for _, ev := range events {
			fmt.Printf("%s  %-16s %-10s task=%s worker=%s %s\n",
				ev.At.Format(time.RFC3339), ev.Kind, ev.State,
				ev.Task, ev.Worker, ev.Detail)
		}

	default:
		s, err := j.Stats()
		if err != nil {
			fail("reading journal: %v", err)
		}
		fmt.Printf("events:   %d\n", s.Events)
		fmt.Printf("finished: %d\n", s.Finished)
		fmt.Printf("failed:   %d\n", s.Failed)
	}
}

// runDemo boots a pool of simulated engines and pushes a batch of
// arithmetic tasks through it, exercising the blocking and async paths.
func runDemo(cfg *rt.Config) {
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fail("opening journal: %v", err)
	}
	defer j.Close()

	opts := async.Options{
		Slots:             cfg.Slots,
		SlotFrameCapacity: cfg.SlotFrameCapacity,
		ChannelCapacity:   cfg.ChannelCapacity,
		RecvTimeout:       cfg.RecvTimeout(),
		Recorder:          j,
	}
	pool, err := async.NewPool(func() (engine.Engine, error) {
		return sim.New(), nil
	}, cfg.Workers, opts)
	if err != nil {
		fail("starting pool: %v", err)
	}
	defer pool.Close()

	fmt.Printf("pool up: %d workers, %d slots each\n", pool.Size(), cfg.Slots)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make([]<-chan async.Result, 0, *tasks)
	for i := 0; i < *tasks; i++ {
		n := int64(i)
		var d *async.Dispatch
		if i%2 == 0 {
			d = async.Blocking(pool, func(f *mem.Frame) (any, error) {
				return sumTo(f, n)
			})
		} else {
			d = async.Async(pool, func(af *async.AsyncFrame) (any, error) {
				af.Yield()
				return sumTo(af.Frame(), n)
			})
		}
		out, err := d.Dispatch(ctx)
		if err != nil {
			fail("dispatching task %d: %v", i, err)
		}
		results = append(results, out)
	}

	for i, out := range results {
		res := <-out
		if res.Err != nil {
			fmt.Printf("task %d: error: %v\n", i, res.Err)
			continue
		}
		fmt.Printf("task %d: sum(0..%d) = %v\n", i, i, res.Value)
	}
}

// sumTo boxes the integers 0..n on the engine heap, roots them, and adds
// them back up through unboxing. Pointless arithmetic, but it pushes real
// values through the rooting and collection machinery.
func sumTo(f *mem.Frame, n int64) (any, error) {
	eng := f.Stack().Engine()
	var total int64
	err := f.Scope(func(nested *mem.Frame) error {
		for i := int64(0); i <= n; i++ {
			v, err := nested.Root(eng.BoxInt64(i))
			if err != nil {
				return err
			}
			raw, err := eng.Unbox(v.Ptr())
			if err != nil {
				return err
			}
			total += raw.(int64)
		}
		return nil
	})
	return total, err
}
