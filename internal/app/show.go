package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"cewatcher/internal/storage"
)

// Show prints recent change events, or recent pulls with opts.Pulls.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Pulls {
		pulls, err := store.ListRecentPulls(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printPulls(pulls)
	}

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRate\tOld\tNew\tDescription")
	for _, e := range events {
		old := "unknown"
		if e.OldValue.Valid {
			old = e.OldValue.Decimal.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.RateID,
			old,
			e.NewValue.String(),
			sanitizeInline(e.Description),
		)
	}
	return writer.Flush()
}

func (a *App) printPulls(pulls []storage.Pull) error {
	if len(pulls) == 0 {
		fmt.Fprintln(a.Out, "no pulls found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tID\tRates")
	for _, p := range pulls {
		ids := make([]string, 0, len(p.Rates))
		for id := range p.Rates {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		values := make([]string, len(ids))
		for i, id := range ids {
			v := p.Rates[id].Value
			if v.Valid {
				values[i] = id + "=" + v.Decimal.String()
			} else {
				values[i] = id + "=?"
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", p.CreatedAt.UTC().Format(time.RFC3339), p.ID, strings.Join(values, " "))
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
