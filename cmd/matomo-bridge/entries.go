package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/flow"
)

// runAdd creates an entry through the config flow without the web UI.
// A running bridge picks it up on its next start.
func runAdd(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	var aggregate bool
	var pos []string
	for _, a := range args {
		switch a {
		case "--aggregate", "-aggregate":
			aggregate = true
		default:
			pos = append(pos, a)
		}
	}
	if len(pos) != 3 {
		return fmt.Errorf("usage: matomo-bridge add <url> <token> <site_id> [--aggregate]")
	}
	siteID, err := strconv.Atoi(pos[2])
	if err != nil || siteID < 1 {
		return fmt.Errorf("site_id %q must be a positive integer", pos[2])
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configLogger(stdout, cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	newClient := newMatomoClient(cfg, nil, logger)
	res, err := flow.Import(ctx, flow.Deps{
		NewClient: func(baseURL, token string) flow.SiteLister { return newClient(baseURL, token) },
		Store:     store,
		Logger:    logger,
	}, flow.ImportInput{
		URL:              pos[0],
		Token:            pos[1],
		SiteID:           siteID,
		IncludeAggregate: aggregate,
	})
	if err != nil {
		return fmt.Errorf("add entry: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	if res.Type == flow.ResultAbort {
		fmt.Fprintf(stdout, "Site %d at %s is already configured.\n", siteID, pos[0])
		return nil
	}
	fmt.Fprintf(stdout, "Added %s (entry %s).\n", res.Entry.Title, res.Entry.ID)
	fmt.Fprintln(stdout, "Restart a running matomo-bridge serve to start polling it.")
	return nil
}

// runEntries lists stored entries. Tokens are never printed.
func runEntries(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	if outputFmt == "json" {
		if list == nil {
			list = []entries.Entry{}
		}
		return writeJSON(stdout, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No entries configured.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tURL\tSITE\tAGGREGATE")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", e.ID, e.Title, e.BaseURL, e.SiteID, e.IncludeAggregate)
	}
	return tw.Flush()
}

// runRemove deletes a stored entry. It does not reach the MQTT broker,
// so discovery configs already published stay in Home Assistant;
// removing from the web UI clears them.
func runRemove(stdout io.Writer, configPath, id string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.Get(id)
	if errors.Is(err, entries.ErrNotFound) {
		return fmt.Errorf("no entry with id %s", id)
	}
	if err != nil {
		return err
	}
	if err := store.Delete(id); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	fmt.Fprintf(stdout, "Removed %s (entry %s).\n", e.Title, e.ID)
	return nil
}
