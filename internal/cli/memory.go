package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/compound/internal/engine"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

const cliTimeout = 30 * time.Second

// --- ingest command ---

var (
	ingestType  string
	ingestTitle string
	ingestURL   string
	ingestTags  []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest content into memory",
	Long:  "Ingest a file (or stdin when no file or \"-\" is given) as one memory entry.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
		if ingestTitle == "" {
			ingestTitle = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	mem, closeFn, err := openMemory(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := mem.Ingest(ctx, userID, model.IngestRequest{
		ContentType: ingestType,
		Title:       ingestTitle,
		Content:     string(data),
		SourceURL:   ingestURL,
		Tags:        ingestTags,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ingested %s (%s tokens, %dms)\n", resp.EntryID, humanize.Comma(int64(resp.TokenCount)), resp.ProcessingTimeMS)
	for _, id := range resp.RelatedEntries {
		fmt.Fprintf(out, "  related: %s\n", id)
	}
	return nil
}

// --- retrieve command ---

var (
	retrieveMaxTokens  int
	retrieveMaxSources int
	retrieveFormat     string
	retrieveTypes      []string
	retrieveNoVoice    bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Assemble context for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRetrieve,
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	mem, closeFn, err := openMemory(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	withVoice := !retrieveNoVoice
	res, err := mem.Retrieve(ctx, userID, model.RetrieveRequest{
		Query:               strings.Join(args, " "),
		MaxTokens:           retrieveMaxTokens,
		MaxSources:          retrieveMaxSources,
		Format:              retrieveFormat,
		ContentTypes:        retrieveTypes,
		IncludeVoiceProfile: &withVoice,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.SourcesIncluded == 0 {
		fmt.Fprintln(out, "No relevant memory found.")
		return nil
	}
	fmt.Fprintln(out, res.ContextText)
	if res.VoiceSummary != nil {
		fmt.Fprintf(out, "\nVoice: %s\n", *res.VoiceSummary)
	}
	fmt.Fprintf(os.Stderr, "%d of %d sources, %d tokens, %dms\n",
		res.SourcesIncluded, res.SourcesConsidered, res.TokenCount, res.RetrievalTimeMS)
	return nil
}

// --- entries command ---

var (
	entriesLimit  int
	entriesOffset int
	entriesType   string
	entriesDelete string
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List or delete memory entries",
	RunE:  runEntries,
}

func runEntries(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if entriesDelete != "" {
		if err := a.engine.DeleteEntry(ctx, userID, entriesDelete); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", entriesDelete)
		return nil
	}

	entries, err := a.engine.ListEntries(userID, store.ListOptions{
		ContentType: entriesType,
		Limit:       entriesLimit,
		Offset:      entriesOffset,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tINDEXED\tACCESSES\tDECAY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2f\n",
			e.ID, e.ContentType, truncate(e.Title, 40), humanize.Time(e.IndexedAt), e.AccessCount, e.RelevanceDecay)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	mem, closeFn, err := openMemory(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := mem.Stats(ctx, userID)
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), stats)
	return nil
}

func printStats(w io.Writer, s *model.MemoryStats) {
	fmt.Fprintf(w, "## Memory for %s\n\n", s.UserID)
	fmt.Fprintf(w, "  entries:        %s\n", humanize.Comma(int64(s.TotalEntries)))
	fmt.Fprintf(w, "  tokens indexed: %s\n", humanize.Comma(int64(s.TotalTokensIndexed)))
	fmt.Fprintf(w, "  health score:   %.2f\n", s.MemoryHealthScore)
	fmt.Fprintf(w, "  voice:          %.0f%% confidence\n", s.VoiceProfileConfidence*100)
	if s.OldestEntry != nil {
		fmt.Fprintf(w, "  oldest:         %s\n", humanize.Time(*s.OldestEntry))
	}
	if s.NewestEntry != nil {
		fmt.Fprintf(w, "  newest:         %s\n", humanize.Time(*s.NewestEntry))
	}
	if s.LastCompoundingRun != nil {
		fmt.Fprintf(w, "  compounded:     %s\n", humanize.Time(*s.LastCompoundingRun))
	}
	for _, ct := range model.ContentTypes() {
		if n := s.EntriesByType[string(ct)]; n > 0 {
			fmt.Fprintf(w, "  %-15s %d\n", string(ct)+":", n)
		}
	}
}

// --- health command ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show memory health and recommendations",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.HealthReport(ctx, userID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printStats(out, &report.Stats)
	if len(report.Recommendations) > 0 {
		fmt.Fprintln(out, "\n## Recommendations")
		for _, r := range report.Recommendations {
			fmt.Fprintf(out, "- %s\n", r)
		}
	}
	if len(report.StaleEntries) > 0 {
		fmt.Fprintf(out, "\n%d stale entries\n", len(report.StaleEntries))
	}
	for _, p := range report.DuplicateCandidates {
		fmt.Fprintf(out, "duplicate: %s ~ %s (%.3f)\n", p.EntryA, p.EntryB, p.Similarity)
	}
	return nil
}

// --- compact command ---

var (
	compactStale bool
	compactMerge bool
	compactAll   bool
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run a compounding pass",
	Long:  "Refresh decay scores and related links. Optionally prune stale entries and merge near-duplicates.",
	RunE:  runCompact,
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	opts := engine.CompactOptions{RemoveStale: compactStale, MergeDuplicates: compactMerge}

	var results []model.CompactResult
	if compactAll {
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if results, err = a.engine.CompactAll(ctx, opts); err != nil {
			return err
		}
	} else {
		mem, closeFn, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		res, err := mem.Compact(ctx, userID, opts)
		if err != nil {
			return err
		}
		results = append(results, *res)
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintf(out, "%s: scanned=%d decay=%d pruned=%d merged=%d links=%d (%dms)\n",
			r.UserID, r.EntriesScanned, r.DecayUpdated, r.StaleRemoved, r.DuplicatesMerged, r.LinksUpdated, r.DurationMS)
	}
	return nil
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", string(model.ContentDocument), "content type")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "entry title (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "source URL")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tag", nil, "tag (repeatable)")

	retrieveCmd.Flags().IntVar(&retrieveMaxTokens, "max-tokens", 2000, "token budget")
	retrieveCmd.Flags().IntVarP(&retrieveMaxSources, "max-sources", "n", 5, "maximum number of sources")
	retrieveCmd.Flags().StringVarP(&retrieveFormat, "format", "f", string(model.FormatMarkdown), "output format: markdown, plain or xml")
	retrieveCmd.Flags().StringSliceVarP(&retrieveTypes, "type", "t", nil, "restrict to content types")
	retrieveCmd.Flags().BoolVar(&retrieveNoVoice, "no-voice", false, "omit the voice summary")

	entriesCmd.Flags().IntVarP(&entriesLimit, "limit", "n", engine.DefaultListLimit, "maximum number of entries")
	entriesCmd.Flags().IntVar(&entriesOffset, "offset", 0, "entries to skip")
	entriesCmd.Flags().StringVarP(&entriesType, "type", "t", "", "filter by content type")
	entriesCmd.Flags().StringVar(&entriesDelete, "delete", "", "delete the entry with this id")

	compactCmd.Flags().BoolVar(&compactStale, "remove-stale", false, "prune entries untouched past the prune window")
	compactCmd.Flags().BoolVar(&compactMerge, "merge-duplicates", false, "merge near-duplicate entries")
	compactCmd.Flags().BoolVar(&compactAll, "all", false, "compact every user")
}
