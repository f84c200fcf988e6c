package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/stats"
	"github.com/dhcgn/mail-archive/store"
)

var headersToTrack = []string{"From", "To", "Subject"}

func newStatsCmd() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "stats",
		Short: "Show message counts per folder and the most frequent senders",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	c.Flags().IntP("top", "t", 10, "Number of top items to display in statistics")
	c.Flags().StringP("output", "o", "", "Output directory for CSV reports (none when empty)")
	return c, nil
}

// archiveStats aggregates the metadata of every archived message.
type archiveStats struct {
	folders  [][]string
	messages int
	bytes    int64
	counters map[string]stats.Counter
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	topN, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}
	reportDir, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	return withLogger(cfg, func(logger *slog.Logger) error {
		st := store.New(cfg.ArchiveDir, logger)
		as, err := collectStats(st)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		as.print(out, topN)

		if reportDir != "" {
			if err := saveCSVReports(as.counters, headersToTrack, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
		}
		return nil
	})
}

func collectStats(st *store.Store) (*archiveStats, error) {
	as := &archiveStats{counters: make(map[string]stats.Counter)}
	for _, h := range headersToTrack {
		as.counters[h] = make(stats.Counter)
	}

	var walk func(f *store.Folder) error
	walk = func(f *store.Folder) error {
		children, err := f.List()
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := as.addFolder(child); err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(st.DefaultFolder()); err != nil {
		return nil, err
	}
	return as, nil
}

func (as *archiveStats) addFolder(f *store.Folder) error {
	if err := f.Open(store.ReadOnly); err != nil {
		return err
	}
	defer f.Close()

	messages, err := f.Messages()
	if err != nil {
		return err
	}
	var size int64
	for _, m := range messages {
		size += m.Size()
		as.counters["From"].Add(m.From())
		as.counters["To"].Add(m.To())
		as.counters["Subject"].Add(m.Subject())
	}
	as.messages += len(messages)
	as.bytes += size
	as.folders = append(as.folders, []string{f.FullName(), strconv.Itoa(len(messages)), strconv.FormatInt(size, 10)})
	return nil
}

func (as *archiveStats) print(w io.Writer, topN int) {
	data := append(pterm.TableData{{"Folder", "Messages", "Bytes"}}, as.folders...)
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render(); err != nil {
		fmt.Fprintf(w, "render table: %v\n", err)
	}
	fmt.Fprintf(w, "\n%d messages in %d folders (%d bytes)\n\n", as.messages, len(as.folders), as.bytes)

	for _, header := range headersToTrack {
		fmt.Fprintf(w, "Top %d %s:\n", topN, header)
		stats.PrettyPrintTop(w, as.counters[header], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]stats.Counter, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		counts := counter[header]

		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counts {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Value != pairs[j].Value {
				return pairs[i].Value > pairs[j].Value
			}
			return pairs[i].Key < pairs[j].Key
		})

		for i := 0; i < limit && i < len(pairs); i++ {
			if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
