package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/config"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/data"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/node"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "finality-node",
		Short:        "Aleph BFT finality network node",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newSessionCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		nodeID     string
		logLevel   string
		transport  string
		port       int
		metrics    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the finality network node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("port") {
				cfg.ListenPort = port
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metrics
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := setupLogging(cfg.LogLevel); err != nil {
				return err
			}

			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go logProposals(ctx, n.Proposals())
			return n.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identity")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, crit)")
	cmd.Flags().StringVar(&transport, "transport", "", "transport (zmq or libp2p)")
	cmd.Flags().IntVar(&port, "port", 0, "zmq listen port")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics listen address, empty disables")
	return cmd
}

// logProposals consumes validated proposals until ctx is done.
func logProposals(ctx context.Context, proposals <-chan *data.AlephProposal) int {
	count := 0
	for {
		select {
		case proposal := <-proposals:
			count++
			log.Debug("Validated proposal.", "proposal", proposal, "top", proposal.TopBlock())
		case <-ctx.Done():
			return count
		}
	}
}

func setupLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
	return nil
}

func newValidateCmd() *cobra.Command {
	var (
		number  uint32
		branch  string
		session uint32
		period  uint32
	)

	cmd := &cobra.Command{
		Use:   "validate-proposal",
		Short: "Check a proposal against its session boundaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if period == 0 {
				return fmt.Errorf("period must be positive")
			}
			hashes, err := parseBranch(branch)
			if err != nil {
				return err
			}
			id := core.SessionIDFromBlock(core.BlockNumber(number), core.SessionPeriod(period))
			if cmd.Flags().Changed("session") {
				id = core.SessionID(session)
			}
			bounds := core.NewSessionBoundaries(id, core.SessionPeriod(period))

			unvalidated := data.NewUnvalidatedAlephProposal(hashes, core.BlockNumber(number))
			proposal, ok := unvalidated.ValidateBounds(bounds)
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "invalid: %s outside %s\n", unvalidated, bounds)
				return fmt.Errorf("proposal rejected")
			}
			fmt.Fprintf(out, "valid: %s in %s\n", proposal, bounds)
			fmt.Fprintf(out, "bottom: %s\ntop: %s\n", proposal.BottomBlock(), proposal.TopBlock())
			return nil
		},
	}

	cmd.Flags().Uint32Var(&number, "number", 0, "number of the top block")
	cmd.Flags().StringVar(&branch, "branch", "", "comma separated block hashes, bottom first")
	cmd.Flags().Uint32Var(&session, "session", 0, "session id, derived from number when not set")
	cmd.Flags().Uint32Var(&period, "period", 900, "session period")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func parseBranch(value string) ([]core.BlockHash, error) {
	var hashes []core.BlockHash
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		raw, err := hexutil.Decode(part)
		if err != nil || len(raw) > common.HashLength {
			return nil, fmt.Errorf("invalid block hash %q", part)
		}
		hashes = append(hashes, common.BytesToHash(raw))
	}
	return hashes, nil
}

func newSessionCmd() *cobra.Command {
	var (
		id     uint32
		period uint32
		block  uint32
	)

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print session boundaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := core.SessionID(id)
			if cmd.Flags().Changed("block") {
				sessionID = core.SessionIDFromBlock(core.BlockNumber(block), core.SessionPeriod(period))
			}
			bounds := core.NewSessionBoundaries(sessionID, core.SessionPeriod(period))
			fmt.Fprintf(cmd.OutOrStdout(), "session %d: first %d, last %d\n",
				sessionID, bounds.FirstBlock(), bounds.LastBlock())
			return nil
		},
	}

	cmd.Flags().Uint32Var(&id, "id", 0, "session id")
	cmd.Flags().Uint32Var(&period, "period", 900, "session period")
	cmd.Flags().Uint32Var(&block, "block", 0, "derive the session from a block number")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", Name, Version)
		},
	}
}
