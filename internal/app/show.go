package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"chain-insights/internal/storage"
)

// Show prints recently stored insights, or post attempts with --posts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show insights")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Posts {
		posts, err := store.ListRecentPosts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writePosts(os.Stdout, posts)
	}

	insights, err := store.ListRecentInsights(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountInsights(ctx)
	if err != nil {
		return err
	}
	return writeInsights(os.Stdout, insights, total)
}

func writeInsights(out io.Writer, records []storage.InsightRecord, total int64) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no insights found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tType\tSeverity\tKey\tTitle")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.Type,
			rec.Severity,
			rec.Key,
			sanitizeInline(rec.Title),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "showing %d of %d stored insights\n", len(records), total)
	return nil
}

func writePosts(out io.Writer, posts []storage.PostRecord) error {
	if len(posts) == 0 {
		fmt.Fprintln(out, "no posts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tChannel\tStatus\tInsight\tText\tError")
	for _, post := range posts {
		errMsg := ""
		if post.Error != nil {
			errMsg = sanitizeInline(*post.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			post.CreatedAt.UTC().Format(time.RFC3339),
			post.Channel,
			post.Status,
			post.InsightKey,
			sanitizeInline(post.Text),
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
