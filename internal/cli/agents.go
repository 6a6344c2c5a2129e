package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/switchboard/pkg/agent"
	"github.com/spf13/cobra"
)

var showEdges bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents in the catalog",
	Long: `List the agents in the configured catalog with their tools and handoffs.
Without agents.file in the config, the built-in travel catalog is listed.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&showEdges, "edges", false, "print the handoff graph as from -> to lines")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	printCatalog(cmd.OutOrStdout(), catalog, showEdges)
	return nil
}

func printCatalog(w io.Writer, c *agent.Catalog, edges bool) {
	entry := c.Entry().Name()
	for _, a := range c.Agents() {
		name := a.Name()
		if name == entry {
			name += " (entry)"
		}
		fmt.Fprintln(w, name)
		if a.Description() != "" {
			fmt.Fprintf(w, "  %s\n", a.Description())
		}
		fmt.Fprintf(w, "  tools:    %s\n", listOrNone(a.Tools().Names()))

		targets := make([]string, 0, len(a.Handoffs()))
		for _, route := range a.Handoffs() {
			targets = append(targets, route.Target)
		}
		fmt.Fprintf(w, "  handoffs: %s\n", listOrNone(targets))
	}

	if edges {
		fmt.Fprintln(w)
		for _, edge := range c.Edges() {
			fmt.Fprintln(w, edge)
		}
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
