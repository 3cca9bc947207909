package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BaSui01/teamwire/analytics"
	"github.com/BaSui01/teamwire/config"
)

// analyticsPath resolves the analytics database location, defaulting
// under the team data root.
func analyticsPath(cfg *config.Config) string {
	if cfg.Analytics.Path != "" {
		return cfg.Analytics.Path
	}
	return filepath.Join(cfg.Team.DataRoot, "team-analytics.sqlite")
}

func runInsights(args []string) {
	fs := flag.NewFlagSet("insights", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	teamID := fs.String("team", "", "Team id (defaults to team.team_id from config)")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	id := *teamID
	if id == "" {
		id = cfg.Team.TeamID
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "A team id is required: pass --team or set team.team_id")
		os.Exit(1)
	}

	store, err := analytics.Open(analyticsPath(cfg), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open analytics store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	lines, err := store.Insights(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query insights: %v\n", err)
		os.Exit(1)
	}
	snap, err := store.TeamSnapshot(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query snapshot: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("team %s\n", id)
	for _, line := range lines {
		fmt.Printf("  %s\n", line)
	}
	if len(snap.Contributors) > 0 {
		fmt.Println("contributors:")
		for _, cb := range snap.Contributors {
			fmt.Printf("  %-24s %10.2f  (%d entries)\n", cb.Actor, cb.Amount, cb.Entries)
		}
	}
}
