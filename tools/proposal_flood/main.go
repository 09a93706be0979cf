package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/config"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/data"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/node"
)

// FloodConfig holds configuration for the flood test.
type FloodConfig struct {
	Nodes       int
	BasePort    int
	Concurrency int
	Duration    time.Duration
	Warmup      time.Duration
	Period      uint32
	ReportFile  string
}

// FloodResult holds the results of a flood test.
type FloodResult struct {
	Broadcasts    int64
	Failed        int64
	Received      int64
	Expected      int64
	TotalDuration time.Duration
	SentPerSec    float64
	DeliveryRatio float64
}

func main() {
	var cfg FloodConfig
	cmd := &cobra.Command{
		Use:   "proposal_flood",
		Short: "Broadcast proposals between local finality nodes and report delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Nodes < 2 {
				return fmt.Errorf("need at least 2 nodes")
			}
			fmt.Println("=== Aleph Proposal Flood Test ===")
			fmt.Printf("Nodes:       %d (ports %d-%d)\n", cfg.Nodes, cfg.BasePort, cfg.BasePort+cfg.Nodes-1)
			fmt.Printf("Concurrency: %d workers per node\n", cfg.Concurrency)
			fmt.Printf("Duration:    %v\n", cfg.Duration)
			fmt.Println()

			result, err := runFlood(cfg)
			if err != nil {
				return err
			}
			printResults(result)
			if cfg.ReportFile != "" {
				saveReport(cfg, result)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&cfg.Nodes, "nodes", "n", 4, "number of local nodes")
	cmd.Flags().IntVar(&cfg.BasePort, "port", 36000, "port of the first node")
	cmd.Flags().IntVarP(&cfg.Concurrency, "concurrency", "c", 2, "broadcasting workers per node")
	cmd.Flags().DurationVarP(&cfg.Duration, "duration", "d", 10*time.Second, "duration of test")
	cmd.Flags().DurationVar(&cfg.Warmup, "warmup", 2*time.Second, "time allowed for streams to open")
	cmd.Flags().Uint32Var(&cfg.Period, "period", 900, "session period")
	cmd.Flags().StringVarP(&cfg.ReportFile, "output", "o", "", "output report file (JSON)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func nodeConfigs(cfg FloodConfig) []*config.Config {
	configs := make([]*config.Config, cfg.Nodes)
	for i := range configs {
		c := config.DefaultConfig()
		c.NodeID = fmt.Sprintf("flood-%d", i)
		c.ListenPort = cfg.BasePort + i
		c.SessionPeriod = cfg.Period
		c.MetricsAddr = ""
		configs[i] = c
	}
	for i, c := range configs {
		for j, other := range configs {
			if i == j {
				continue
			}
			c.ReservedPeers = append(c.ReservedPeers, config.ReservedPeer{
				ID:      other.NodeID,
				Address: fmt.Sprintf("tcp://%s:%d", other.ListenHost, other.ListenPort),
			})
		}
	}
	return configs
}

// floodProposal builds the proposal a worker broadcasts in round seq.
func floodProposal(worker int, seq uint32, period uint32) *data.AlephProposal {
	half := period / 2
	if half == 0 {
		half = 1
	}
	top := core.BlockNumber(half + seq%half)
	branch := []core.BlockHash{
		common.BytesToHash([]byte{byte(worker), byte(seq >> 8), byte(seq), 1}),
		common.BytesToHash([]byte{byte(worker), byte(seq >> 8), byte(seq), 2}),
	}
	session := core.NewSessionBoundaries(core.SessionIDFromBlock(top, core.SessionPeriod(period)), core.SessionPeriod(period))
	proposal, ok := data.NewUnvalidatedAlephProposal(branch, top).ValidateBounds(session)
	if !ok {
		return nil
	}
	return proposal
}

func runFlood(cfg FloodConfig) (FloodResult, error) {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelWarn, true)))

	var nodes []*node.Node
	for _, c := range nodeConfigs(cfg) {
		n, err := node.New(c)
		if err != nil {
			return FloodResult{}, fmt.Errorf("failed to create node %s: %w", c.NodeID, err)
		}
		nodes = append(nodes, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		broadcasts int64
		failed     int64
		received   int64
		running    sync.WaitGroup
		workers    sync.WaitGroup
	)

	for _, n := range nodes {
		running.Add(2)
		go func(n *node.Node) {
			defer running.Done()
			if err := n.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "node failed: %v\n", err)
			}
		}(n)
		go func(n *node.Node) {
			defer running.Done()
			for {
				select {
				case <-n.Proposals():
					atomic.AddInt64(&received, 1)
				case <-ctx.Done():
					return
				}
			}
		}(n)
	}

	time.Sleep(cfg.Warmup)
	startTime := time.Now()
	stop := make(chan struct{})

	for i, n := range nodes {
		for w := 0; w < cfg.Concurrency; w++ {
			workers.Add(1)
			go func(worker int, n *node.Node) {
				defer workers.Done()
				for seq := uint32(0); ; seq++ {
					select {
					case <-stop:
						return
					default:
					}
					proposal := floodProposal(worker, seq, cfg.Period)
					if proposal == nil || n.Broadcast(ctx, proposal) != nil {
						atomic.AddInt64(&failed, 1)
						continue
					}
					atomic.AddInt64(&broadcasts, 1)
				}
			}(i*cfg.Concurrency+w, n)
		}
	}

	time.Sleep(cfg.Duration)
	close(stop)
	workers.Wait()
	duration := time.Since(startTime)

	// let queued messages drain before stopping the nodes
	time.Sleep(cfg.Warmup)
	cancel()
	running.Wait()

	total := atomic.LoadInt64(&broadcasts)
	expected := total * int64(cfg.Nodes-1)
	got := atomic.LoadInt64(&received)
	var ratio float64
	if expected > 0 {
		ratio = float64(got) / float64(expected)
	}

	return FloodResult{
		Broadcasts:    total,
		Failed:        atomic.LoadInt64(&failed),
		Received:      got,
		Expected:      expected,
		TotalDuration: duration,
		SentPerSec:    float64(total) / duration.Seconds(),
		DeliveryRatio: ratio,
	}, nil
}

func printResults(result FloodResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Broadcasts:      %d\n", result.Broadcasts)
	fmt.Printf("Failed:          %d\n", result.Failed)
	fmt.Printf("Broadcasts/sec:  %.2f\n", result.SentPerSec)
	fmt.Printf("Received:        %d of %d (%.2f%%)\n", result.Received, result.Expected, result.DeliveryRatio*100)
}

func saveReport(cfg FloodConfig, result FloodResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"nodes":       cfg.Nodes,
			"concurrency": cfg.Concurrency,
			"duration":    cfg.Duration.String(),
			"period":      cfg.Period,
		},
		"results": map[string]interface{}{
			"broadcasts":     result.Broadcasts,
			"failed":         result.Failed,
			"received":       result.Received,
			"expected":       result.Expected,
			"broadcasts_sec": result.SentPerSec,
			"delivery_ratio": result.DeliveryRatio,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(cfg.ReportFile, out, 0644); err != nil {
		log.Error("Failed to write report.", "err", err)
	} else {
		fmt.Printf("Report saved to: %s\n", cfg.ReportFile)
	}
}
