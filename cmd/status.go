package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/gossip"
	"github.com/adamgarcia4/goLearning/gms/logger"
	"github.com/adamgarcia4/goLearning/gms/node"
)

var statusRounds int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the cluster membership as seen through the seeds",
	Long: `Join the cluster as a short-lived observer, gossip a few rounds with the
seeds and print every known endpoint. The observer leaves the cluster when
done so the seeds forget it after the quarantine delay.

Examples:
  gms status --seeds=127.0.0.1:7000`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addNodeFlags(statusCmd.Flags())
	statusCmd.Flags().IntVar(&statusRounds, "rounds", 3, "Gossip rounds to run before printing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	level, err := parseLogLevel()
	if err != nil {
		return err
	}
	logger.Init(level, false)

	fs := cmd.Flags()
	config, err := loadConfig(fs)
	if err != nil {
		return err
	}
	if !fs.Changed("port") {
		config.Port = "0"
	}
	if !fs.Changed("node-id") {
		config.NodeID = "status"
	}
	config.ManualGossip = true
	config.LoadInterval = 0
	config.MetricsPort = 0
	if len(config.Seeds) == 0 {
		return fmt.Errorf("at least one seed is required")
	}

	n, err := node.New(config)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	for i := 0; i < statusRounds; i++ {
		if err := n.Round(cmd.Context()); err != nil {
			logger.Errorf("Gossip round failed: %v", err)
		}
	}

	fmt.Println(renderStatus(n.Gossiper().View(), n.Health()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Leave(ctx)
}

// renderStatus formats the view as a table. The observer itself is left out.
func renderStatus(view *gossip.View, health *failuredetector.Snapshot) string {
	endpoints := make([]string, 0, len(view.Endpoints))
	for ep := range view.Endpoints {
		if ep != view.Local {
			endpoints = append(endpoints, string(ep))
		}
	}
	sort.Strings(endpoints)

	rows := make([][]string, 0, len(endpoints))
	for _, ep := range endpoints {
		s := view.Endpoints[gossip.Endpoint(ep)]
		state := "DOWN"
		if s.Alive {
			state = "UP"
		}
		phi := "-"
		if health != nil {
			if h, ok := health.Endpoints[ep]; ok {
				phi = strconv.FormatFloat(h.Phi, 'f', 2, 64)
			}
		}
		dc, _ := s.Value(gossip.AppDC)
		rack, _ := s.Value(gossip.AppRack)
		load, _ := s.Value(gossip.AppLoad)
		hostID, _ := s.Value(gossip.AppHostID)
		rows = append(rows, []string{
			ep, state, s.Status(),
			strconv.FormatInt(s.Heartbeat.Generation, 10),
			strconv.FormatInt(s.MaxVersion(), 10),
			phi, dc, rack, load, hostID,
		})
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return lipgloss.NewStyle()
		}).
		Headers("ENDPOINT", "STATE", "STATUS", "GENERATION", "VERSION", "PHI", "DC", "RACK", "LOAD", "HOST ID").
		Rows(rows...)
	return t.Render()
}
