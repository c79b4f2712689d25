package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zoobzio/scopez"
)

var raceCmd = &cobra.Command{
	Use:   "race",
	Short: "Run two concurrent traced flows and verify they produce independent trees",
	Long: `race starts transactions f1 and f2 concurrently, each issuing one HTTP call
through the instrumented transport, and checks that every run emits two
separate trees of one transaction and one http.client span.`,
	Args: cobra.NoArgs,
	RunE: runRace,
}

func init() {
	raceCmd.Flags().Int("runs", 100, "number of runs")
	raceCmd.Flags().Duration("jitter", time.Millisecond, "max simulated backend latency")
	raceCmd.Flags().Bool("verbose", false, "print every emitted tree")
}

// backend answers every request after a random delay, so the two flows
// interleave differently from run to run.
type backend struct {
	jitter time.Duration
}

func (b backend) RoundTrip(req *http.Request) (*http.Response, error) {
	if b.jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(b.jitter)))):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func runRace(cmd *cobra.Command, _ []string) error {
	runs, err := cmd.Flags().GetInt("runs")
	if err != nil {
		return fmt.Errorf("failed to get runs flag: %w", err)
	}
	jitter, err := cmd.Flags().GetDuration("jitter")
	if err != nil {
		return fmt.Errorf("failed to get jitter flag: %w", err)
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return fmt.Errorf("failed to get verbose flag: %w", err)
	}
	if err := setupColor(cmd); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tracer, err := scopez.NewWithConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	collector := scopez.NewCollector("race", cfg.CollectorBuffer)
	collector.SetSyncMode(true)
	tracer.AddEmitter(collector)
	defer func() {
		if cerr := tracer.Close(); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close: %v\n", cerr)
		}
	}()

	client := tracer.Client(&http.Client{Transport: backend{jitter: jitter}})
	out := cmd.OutOrStdout()

	failed := 0
	for i := 0; i < runs; i++ {
		if err := raceOnce(cmd.Context(), tracer, client); err != nil {
			return err
		}
		trees := collector.Export()
		if problem := checkTrees(trees); problem != "" {
			failed++
			fmt.Fprintf(out, "%s run %d: %s\n", color.RedString("FAIL"), i+1, problem)
			for _, tree := range trees {
				printTree(out, tree)
			}
			continue
		}
		if verbose {
			for _, tree := range trees {
				printTree(out, tree)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs produced malformed trees", failed, runs)
	}
	fmt.Fprintf(out, "%s %d runs, every run emitted two independent trees\n", color.GreenString("OK"), runs)
	return nil
}

func raceOnce(ctx context.Context, tracer *scopez.Tracer, client *http.Client) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, _ := tracer.NewGroup(ctx)
	for _, name := range []string{"f1", "f2"} {
		g.Go(func(ctx context.Context) error {
			return tracer.RunTransaction(ctx, name, func(ctx context.Context) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://backend/"+name, nil)
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					return err
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				return resp.Body.Close()
			})
		})
	}
	return g.Wait()
}

// checkTrees describes what is wrong with one run's output, or returns "".
func checkTrees(trees []scopez.Tree) string {
	if len(trees) != 2 {
		return fmt.Sprintf("expected 2 trees, got %d", len(trees))
	}
	for _, tree := range trees {
		tx := tree.Transaction
		if tree.Len() != 2 || len(tree.Children) != 1 {
			return fmt.Sprintf("tree %s has %d spans, expected 2", tx.Name, tree.Len())
		}
		child := tree.Children[0].Span
		if child.ParentID != tx.SpanID {
			return fmt.Sprintf("span %s is not a child of %s", child.Description, tx.Name)
		}
		if want := "GET /" + tx.Name; child.Description != want {
			return fmt.Sprintf("tree %s contains %q, expected %q", tx.Name, child.Description, want)
		}
	}
	return ""
}

func printTree(w io.Writer, tree scopez.Tree) {
	tx := tree.Transaction
	fmt.Fprintf(w, "%s %s %s\n",
		color.CyanString(tx.Name),
		statusString(tx.Status),
		tx.Duration.Round(time.Microsecond))
	tree.Walk(func(depth int, span *scopez.Span) {
		fmt.Fprintf(w, "%s└ %s %s %s %s\n",
			strings.Repeat("  ", depth),
			color.YellowString(span.Op),
			span.Description,
			statusString(span.Status),
			span.Duration.Round(time.Microsecond))
	})
}

func statusString(s scopez.Status) string {
	if s == scopez.StatusOK {
		return color.GreenString("[%s]", s)
	}
	return color.RedString("[%s]", s)
}

func setupColor(cmd *cobra.Command) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch mode {
	case "auto":
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid color mode %q (expected: auto|on|off)", mode)
	}
	return nil
}
