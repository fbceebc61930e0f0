package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raphaelgruber/flowhub/internal/models"
)

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}

func writeTaskTable(w io.Writer, tasks []models.Task) {
	fmt.Fprintf(w, "%-10s %-24s %-10s %-9s %s\n", "ID", "NAME", "STATUS", "PROGRESS", "CREATED")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, t := range tasks {
		fmt.Fprintf(w, "%-10s %-24s %-10s %-9s %s\n",
			shortID(t.ID), truncate(t.Name, 24), t.Status, fmt.Sprintf("%d%%", t.Progress), ago(t.CreatedAt))
	}
}

func writeTask(w io.Writer, t *models.Task) {
	fmt.Fprintf(w, "Task: %s\n", t.ID)
	fmt.Fprintf(w, "  Name: %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(w, "  Description: %s\n", t.Description)
	}
	if t.Owner != "" {
		fmt.Fprintf(w, "  Owner: %s\n", t.Owner)
	}
	fmt.Fprintf(w, "  Status: %s\n", t.Status)
	fmt.Fprintf(w, "  Progress: %d%%\n", t.Progress)
	if t.FileName != nil {
		fmt.Fprintf(w, "  File: %s", *t.FileName)
		if t.TotalFiles != nil {
			fmt.Fprintf(w, " (of %d)", *t.TotalFiles)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Created: %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.StartedAt != nil && t.CompletedAt != nil {
		fmt.Fprintf(w, "  Duration: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond))
	}
	if msg := t.ErrorString(); msg != "" {
		fmt.Fprintf(w, "  Error: %s\n", msg)
	}
	if logs := t.LogView(); len(logs) > 0 {
		fmt.Fprintf(w, "\nLogs (%d):\n", len(t.Logs))
		for _, l := range logs {
			fmt.Fprintf(w, "  %s %-8s %s\n", l.Timestamp.Format("15:04:05"), l.Level, l.Message)
		}
	}
	if t.Result != nil {
		fmt.Fprintln(w, "\nResult:")
		_ = jsonEncoder(w).Encode(t.Result)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 4 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
