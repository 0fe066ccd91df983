// Package main provides the Forest CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ettio/forest/pkg/chunker"
	"github.com/ettio/forest/pkg/config"
	"github.com/ettio/forest/pkg/forest"
	"github.com/ettio/forest/pkg/graphquery"
	"github.com/ettio/forest/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "forest",
		Short: "Forest - local-first graph-native knowledge base",
		Long: `Forest captures short notes and long documents, and continuously
maintains a graph in which edges encode compatibility between notes:
a semantic channel over embedding similarity and a tag channel over
IDF-weighted shared tags.

Everything lives in one local database. No server, no sync, no cloud.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("db", "", "database path (default: FOREST_DB_PATH or app data dir)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Forest v%s (%s)\n", version, commit)
		},
	})

	captureCmd := &cobra.Command{
		Use:   "capture [text]",
		Short: "Capture a note and link it into the graph",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCapture,
	}
	captureCmd.Flags().String("title", "", "note title")
	captureCmd.Flags().StringSlice("tag", nil, "tags (repeatable)")
	rootCmd.AddCommand(captureCmd)

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a document as chunk nodes with a canonical record",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("title", "", "document title (default: derived from content)")
	importCmd.Flags().StringSlice("tag", nil, "tags applied to every chunk")
	importCmd.Flags().String("strategy", "hybrid", "chunking strategy: headers | size | hybrid")
	importCmd.Flags().Int("max-tokens", chunker.DefaultMaxTokens, "max estimated tokens per chunk")
	importCmd.Flags().Bool("no-parent", false, "skip the root document node")
	importCmd.Flags().Bool("no-sequential", false, "skip sequential edges between chunks")
	importCmd.Flags().Bool("no-autolink", false, "skip semantic linking of chunks")
	rootCmd.AddCommand(importCmd)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over the graph",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().Int("limit", 10, "max results")
	searchCmd.Flags().Int("offset", 0, "pagination offset")
	rootCmd.AddCommand(searchCmd)

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Metadata search with filters",
		RunE:  runFind,
	}
	findCmd.Flags().String("title", "", "title substring")
	findCmd.Flags().String("term", "", "term matched against title/body/tags")
	findCmd.Flags().StringSlice("tag", nil, "require all of these tags")
	findCmd.Flags().StringSlice("any-tag", nil, "require any of these tags")
	findCmd.Flags().String("sort", "recency", "sort: recency | score | degree")
	findCmd.Flags().Int("limit", 20, "max results")
	rootCmd.AddCommand(findCmd)

	showCmd := &cobra.Command{
		Use:   "show <ref>",
		Short: "Show a node with its edges",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	linkCmd := &cobra.Command{
		Use:   "link <ref-a> <ref-b> [name]",
		Short: "Explicitly link two notes with a bridge tag",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runLink,
	}
	rootCmd.AddCommand(linkCmd)

	pathCmd := &cobra.Command{
		Use:   "path <ref-a> <ref-b>",
		Short: "Shortest path between two notes",
		Args:  cobra.ExactArgs(2),
		RunE:  runPath,
	}
	rootCmd.AddCommand(pathCmd)

	hoodCmd := &cobra.Command{
		Use:   "hood <ref>",
		Short: "Neighborhood expansion around a note",
		Args:  cobra.ExactArgs(1),
		RunE:  runHood,
	}
	hoodCmd.Flags().Int("depth", 2, "BFS depth")
	hoodCmd.Flags().Int("limit", 25, "max nodes")
	rootCmd.AddCommand(hoodCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <ref> <version>",
		Short: "Restore a note to a prior version",
		Args:  cobra.ExactArgs(2),
		RunE:  runRestore,
	}
	rootCmd.AddCommand(restoreCmd)

	undoCmd := &cobra.Command{
		Use:   "undo <ref-a> <ref-b>",
		Short: "Undo the last edge transition between two notes",
		Args:  cobra.ExactArgs(2),
		RunE:  runUndo,
	}
	rootCmd.AddCommand(undoCmd)

	rescoreCmd := &cobra.Command{
		Use:   "rescore",
		Short: "Re-run edge classification under the current thresholds",
		RunE:  runRescore,
	}
	rootCmd.AddCommand(rescoreCmd)

	recomputeCmd := &cobra.Command{
		Use:   "recompute-embeddings",
		Short: "Re-embed approximate-scored notes and relink them",
		RunE:  runRecompute,
	}
	rootCmd.AddCommand(recomputeCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Database statistics",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB loads config (env > file > default) and opens the database.
func openDB(cmd *cobra.Command) (*forest.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if override, _ := cmd.Flags().GetString("db"); override != "" {
		cfg.DBPath = override
	}
	return forest.Open(cfg.DBPath, cfg)
}

func shortID(id storage.NodeID) string {
	if len(id) >= 8 {
		return string(id)[:8]
	}
	return string(id)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Printf("⚠️  %s\n", w)
	}
}

func runCapture(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	title, _ := cmd.Flags().GetString("title")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	body := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := db.Capture(ctx, body, title, tags)
	if err != nil {
		return err
	}

	printWarnings(result.Warnings)
	fmt.Printf("✅ captured %s", shortID(result.Node.ID))
	if len(result.Node.Tags) > 0 {
		fmt.Printf("  [%s]", strings.Join(result.Node.Tags, ", "))
	}
	fmt.Println()
	for _, edge := range result.EdgesAdded {
		fmt.Printf("   ↔ %s  score %.3f\n", edge.DisplayRef(), edge.Score)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	title, _ := cmd.Flags().GetString("title")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	strategy, _ := cmd.Flags().GetString("strategy")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	noParent, _ := cmd.Flags().GetBool("no-parent")
	noSeq, _ := cmd.Flags().GetBool("no-sequential")
	noAuto, _ := cmd.Flags().GetBool("no-autolink")

	opts := chunker.Options{
		Strategy:       chunker.Strategy(strategy),
		MaxTokens:      maxTokens,
		Overlap:        chunker.DefaultOverlap,
		CreateParent:   !noParent,
		LinkSequential: !noSeq,
		AutoLink:       !noAuto,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := db.Import(ctx, string(data), title, tags, opts)
	if err != nil {
		return err
	}

	printWarnings(result.Warnings)
	fmt.Printf("✅ imported %q: %d chunks, %d semantic edges\n",
		result.Document.Title, len(result.Chunks), result.SemanticEdges)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := db.Search(ctx, strings.Join(args, " "), limit, offset)
	if err != nil {
		return err
	}

	for _, hit := range resp.Results {
		title := hit.Node.Title
		if title == "" {
			title = firstLine(hit.Node.Body)
		}
		fmt.Printf("%.3f  %s  %s\n", hit.Score, shortID(hit.Node.ID), title)
	}
	if resp.Truncated {
		fmt.Println("… truncated")
	}
	return nil
}

func runFind(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	title, _ := cmd.Flags().GetString("title")
	term, _ := cmd.Flags().GetString("term")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	anyTags, _ := cmd.Flags().GetStringSlice("any-tag")
	sortBy, _ := cmd.Flags().GetString("sort")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes, err := db.Find(ctx, graphquery.Filters{
		TitleSubstring: title,
		Term:           term,
		TagsAll:        tags,
		TagsAny:        anyTags,
		SortBy:         graphquery.SortMode(sortBy),
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	for _, node := range nodes {
		fmt.Printf("%s  deg=%-3d  %s  [%s]\n",
			shortID(node.ID), node.AcceptedDegree, node.Title, strings.Join(node.Tags, ", "))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}

	node, err := db.GetNode(id)
	if err != nil {
		return err
	}

	fmt.Printf("id:      %s\n", storage.DashGroup(string(node.ID)))
	fmt.Printf("title:   %s\n", node.Title)
	fmt.Printf("tags:    [%s]\n", strings.Join(node.Tags, ", "))
	fmt.Printf("degree:  %d\n", node.AcceptedDegree)
	fmt.Printf("updated: %s\n", node.UpdatedAt.Format(time.RFC3339))
	if node.ApproximateScored {
		fmt.Println("note:    approximate-scored (no full semantic pass yet)")
	}
	fmt.Printf("\n%s\n", node.Body)

	edges, err := db.EdgesTouching(id)
	if err != nil {
		return err
	}
	if len(edges) > 0 {
		fmt.Println("\nedges:")
		for _, edge := range edges {
			fmt.Printf("  %s  %-12s  score %.3f  ↔ %s\n",
				edge.DisplayRef(), edge.EdgeType, edge.Score, shortID(edge.Other(id)))
		}
	}
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}
	b, err := db.ResolveRef(args[1])
	if err != nil {
		return describeRefError(err)
	}
	name := ""
	if len(args) == 3 {
		name = args[2]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := db.Link(ctx, a, b, name)
	if err != nil {
		return err
	}

	for _, edge := range result.EdgesAdded {
		if edge.Touches(a) && edge.Touches(b) {
			fmt.Printf("✅ linked %s ↔ %s  score %.3f  shared %v\n",
				shortID(a), shortID(b), edge.Score, edge.SharedTags)
			return nil
		}
	}
	fmt.Printf("✅ linked %s ↔ %s\n", shortID(a), shortID(b))
	return nil
}

func runPath(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}
	b, err := db.ResolveRef(args[1])
	if err != nil {
		return describeRefError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path, err := db.ShortestPath(ctx, a, b)
	if err != nil {
		return err
	}

	for i, step := range path.Steps {
		if i == 0 {
			fmt.Printf("%s\n", shortID(step.NodeID))
			continue
		}
		fmt.Printf("  ↳ %s", shortID(step.NodeID))
		if step.EdgeScore != nil {
			fmt.Printf("  (%s %.3f)", *step.EdgeType, *step.EdgeScore)
		}
		fmt.Println()
	}
	fmt.Printf("%d hops, path score %.4f\n", path.HopCount, path.TotalScore)
	return nil
}

func runHood(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}
	depth, _ := cmd.Flags().GetInt("depth")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hood, err := db.Neighborhood(ctx, id, depth, limit)
	if err != nil {
		return err
	}

	fmt.Printf("center %s: %d nodes, %d edges\n", shortID(id), len(hood.Nodes), len(hood.Edges))
	for _, node := range hood.Nodes {
		fmt.Printf("  %s  %s\n", shortID(node.ID), node.Title)
	}
	if hood.Truncated {
		fmt.Println("… truncated")
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}
	var version int
	if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
		return fmt.Errorf("bad version %q: %w", args[1], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := db.Restore(ctx, id, version)
	if err != nil {
		return err
	}
	printWarnings(result.Warnings)
	fmt.Printf("✅ restored %s to version %d\n", shortID(id), version)
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := db.ResolveRef(args[0])
	if err != nil {
		return describeRefError(err)
	}
	b, err := db.ResolveRef(args[1])
	if err != nil {
		return describeRefError(err)
	}

	undo, err := db.UndoLast(context.Background(), a, b)
	if err != nil {
		return err
	}
	if undo.Recreated != nil {
		fmt.Printf("✅ recreated edge %s\n", undo.Recreated.DisplayRef())
	} else {
		fmt.Printf("✅ removed edge between %s and %s\n", shortID(a), shortID(b))
	}
	return nil
}

func runRescore(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := db.Rescore(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✅ rescored %d edges, deleted %d\n", result.Rescored, result.Deleted)
	return nil
}

func runRecompute(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	recovered, err := db.RecomputeEmbeddings(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✅ recovered embeddings for %d nodes\n", recovered)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("nodes:              %d\n", stats.Nodes)
	fmt.Printf("edges:              %d\n", stats.Edges)
	fmt.Printf("documents:          %d\n", stats.Documents)
	fmt.Printf("distinct tags:      %d\n", stats.Tags)
	fmt.Printf("approximate-scored: %d\n", stats.ApproximateScored)
	return nil
}

// describeRefError expands ambiguity errors with their candidate list.
func describeRefError(err error) error {
	var ambiguous *forest.AmbiguousRefError
	if errors.As(err, &ambiguous) {
		fmt.Println("ambiguous reference; candidates:")
		for _, id := range ambiguous.Candidates {
			fmt.Printf("  %s\n", storage.DashGroup(string(id)))
		}
	}
	return err
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}
