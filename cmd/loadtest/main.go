package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheIronBorn/treescale"
)

type profile struct {
	name         string
	workers      int
	commandQueue int
	workerQueue  int
	payload      int
	memLimitGiB  int64
}

var profiles = map[string]profile{
	"small": {
		name:         "small",
		workers:      4,
		commandQueue: 1024,
		workerQueue:  4096,
		payload:      64,
		memLimitGiB:  2,
	},
	"medium": {
		name:         "medium",
		workers:      8,
		commandQueue: 2048,
		workerQueue:  8192,
		payload:      256,
		memLimitGiB:  2,
	},
	"large": {
		name:         "large",
		workers:      16,
		commandQueue: 4096,
		workerQueue:  16384,
		payload:      1024,
		memLimitGiB:  4,
	},
	"massive": {
		name:         "massive",
		workers:      32,
		commandQueue: 8192,
		workerQueue:  32768,
		payload:      4096,
		memLimitGiB:  8,
	},
}

type nodeEntry struct {
	node *treescale.Network
	name string
}

func nodeOptions(p profile, index, adminBase int, handled *atomic.Int64) []treescale.Option {
	opts := []treescale.Option{
		treescale.WithWorkers(p.workers),
		treescale.WithCommandQueueSize(p.commandQueue),
		treescale.WithWorkerQueueSize(p.workerQueue),
		// Every side of every connection goes live without manual approval.
		treescale.WithAcceptPolicy(func(string, bool) bool { return false }),
		treescale.WithEventHandler(func(ev treescale.Event) {
			if ev.Name == "load" {
				handled.Add(1)
			}
		}),
	}
	if adminBase > 0 {
		opts = append(opts, treescale.WithAdminAddr("127.0.0.1:"+strconv.Itoa(adminBase+index)))
	}
	return opts
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large, massive")
	nodeCount := flag.Int("nodes", 3, "number of nodes in the full mesh")
	workersFlag := flag.Int("workers", 0, "workers per node (overrides profile)")
	payloadFlag := flag.Int("payload", 0, "event payload bytes (overrides profile)")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	memlimit := flag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	broadcastpct := flag.Int("broadcastpct", 10, "percentage of broadcast vs targeted emits (0-100)")
	adminBase := flag.Int("adminbase", 8081, "first admin port, one per node (0=disabled)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large, massive)\n", *profileName)
		os.Exit(1)
	}

	// Apply overrides.
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *payloadFlag > 0 {
		p.payload = *payloadFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *broadcastpct < 0 || *broadcastpct > 100 {
		fmt.Fprintf(os.Stderr, "broadcastpct must be 0-100\n")
		os.Exit(1)
	}
	if *nodeCount < 2 {
		fmt.Fprintf(os.Stderr, "nodes must be at least 2\n")
		os.Exit(1)
	}

	totalWorkers := p.workers * *nodeCount

	// GC tuning.
	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	// Startup banner.
	fmt.Printf("treescale load test\n")
	fmt.Printf("  profile:   %s\n", p.name)
	fmt.Printf("  nodes:     %d (full mesh)\n", *nodeCount)
	fmt.Printf("  workers:   %d per node (x%d = %d total)\n", p.workers, *nodeCount, totalWorkers)
	fmt.Printf("  mix:       %d%% targeted / %d%% broadcast\n", 100-*broadcastpct, *broadcastpct)
	fmt.Printf("  payload:   %d bytes\n", p.payload)
	fmt.Printf("  duration:  %s\n", *duration)
	fmt.Printf("  GC:        %s\n", gcInfo)
	fmt.Printf("  queues:    command=%d  worker=%d\n", p.commandQueue, p.workerQueue)
	fmt.Println()

	var handled atomic.Int64

	nodes := setupMesh(p, *nodeCount, *adminBase, &handled)

	if *adminBase > 0 {
		fmt.Printf("mesh converged (admin ports %d-%d)\n\n", *adminBase, *adminBase+len(nodes)-1)
	} else {
		fmt.Printf("mesh converged\n\n")
	}

	// Shared stop signal for all emitters.
	stop := make(chan struct{})
	start := time.Now()

	var wg sync.WaitGroup
	var totalTargeted, totalBroadcast atomic.Int64

	broadcastThreshold := float64(*broadcastpct) / 100.0
	payload := make([]byte, p.payload)

	for i, ne := range nodes {
		// Each emitter targets everything except its own node.
		others := make([]string, 0, len(nodes)-1)
		for j, other := range nodes {
			if j != i {
				others = append(others, other.name)
			}
		}

		for range p.workers {
			wg.Add(1)
			go func(node *treescale.Network) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}

					ev := treescale.Event{Name: "load", Data: payload}

					if rand.Float64() < broadcastThreshold {
						if err := node.Emit(ev); err != nil {
							return
						}
						totalBroadcast.Add(1)
					} else {
						target := others[rand.IntN(len(others))]
						if err := node.Emit(ev, target); err != nil {
							return
						}
						totalTargeted.Add(1)
					}
				}
			}(ne.node)
		}
	}

	// Progress reporting.
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			elapsed := time.Since(start).Truncate(time.Second)
			printProgress(nodes, elapsed, &handled)
		}
	}()

	// Wait for duration, then signal all emitters to stop.
	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Printf("\n--- stopping nodes ---\n")
	var stopWg sync.WaitGroup
	for _, ne := range nodes {
		stopWg.Add(1)
		go func(node *treescale.Network) {
			defer stopWg.Done()
			node.Stop()
		}(ne.node)
	}
	stopWg.Wait()

	// Final summary.
	elapsed := time.Since(start)
	targeted := totalTargeted.Load()
	broadcast := totalBroadcast.Load()
	cpu := processCPUTime()
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Targeted emits:  %d\n", targeted)
	fmt.Printf("  Broadcast emits: %d\n", broadcast)
	fmt.Printf("  Events handled:  %d\n", handled.Load())
	fmt.Printf("  Aggregate RPS:   %.0f\n", float64(handled.Load())/elapsed.Seconds())
	fmt.Printf("  CPU time:        %s (%.0f%% of wall)\n\n",
		cpu.Truncate(time.Millisecond), 100*cpu.Seconds()/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second), &handled)

	os.Exit(0)
}

// setupMesh starts n nodes on localhost, dials every pair once, and blocks
// until every node sees every other node as a live peer.
func setupMesh(p profile, n, adminBase int, handled *atomic.Int64) []*nodeEntry {
	nodes := make([]*nodeEntry, n)
	for i := range n {
		token := fmt.Sprintf("node-%d", i+1)
		node, err := treescale.New(token, strconv.Itoa(i+1), nodeOptions(p, i, adminBase, handled)...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "node error: %v\n", err)
			os.Exit(1)
		}
		if err := node.Start("127.0.0.1:0"); err != nil {
			fmt.Fprintf(os.Stderr, "start error for %s: %v\n", token, err)
			os.Exit(1)
		}
		nodes[i] = &nodeEntry{node: node, name: token}
	}

	// Each node dials everyone started before it; one socket per pair.
	for i := 1; i < n; i++ {
		for j := 0; j < i; j++ {
			if err := nodes[i].node.Connect(nodes[j].node.Addr()); err != nil {
				fmt.Fprintf(os.Stderr, "connect error %s -> %s: %v\n", nodes[i].name, nodes[j].name, err)
				os.Exit(1)
			}
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		ready := true
		for _, ne := range nodes {
			if ne.node.PeerCount() < n-1 {
				ready = false
				break
			}
		}
		if ready {
			return nodes
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "mesh did not converge within 10s\n")
			os.Exit(1)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration, handled *atomic.Int64) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s] handled=%d\n", elapsed, handled.Load())
	fmt.Printf("  %-8s %12s %12s %12s %10s %10s %6s %6s %10s\n",
		"NODE", "EMITTED", "DELIVERED", "RECEIVED", "FORWARDED", "DROPPED", "PEND", "PEERS", "RPS")
	for _, ne := range nodes {
		s := ne.node.Snapshot()
		rps := float64(0)
		if secs > 0 {
			rps = float64(s["events_delivered"]) / secs
		}
		fmt.Printf("  %-8s %12d %12d %12d %10d %10d %6d %6d %10.0f\n",
			ne.name,
			s["events_emitted"],
			s["events_delivered"],
			s["events_received"],
			s["events_forwarded"],
			s["events_dropped"],
			s["conns_pending"],
			s["peers_live"],
			rps,
		)
	}
	fmt.Println()
}
