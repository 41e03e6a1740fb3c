package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/health"
	"github.com/p-blackswan/harvester/internal/mgmt"
	"github.com/p-blackswan/harvester/internal/pipeline"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/scheduler"
	"github.com/p-blackswan/harvester/internal/store"
)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError(fmt.Sprintf("%s: %v", fs.Name(), err))
	}
	return nil
}

func runCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("run")
	runFile := fs.String("run-file", "", "run configuration file")
	retryFailed := fs.Bool("retry-failed", false, "retry items that failed in earlier runs")
	skipScrape := fs.Bool("no-scrape", false, "only process items the session already knows")
	skipExport := fs.Bool("no-export", false, "skip the export stage")
	asJSON := fs.Bool("json", false, "print the summary as JSON")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	raw, err := requireArg(fs.Args(), "TARGET")
	if err != nil {
		return 2, err
	}
	target, err := content.ParseTarget(raw)
	if err != nil {
		return 2, err
	}

	rc, err := a.runConfig(*runFile)
	if err != nil {
		return 2, err
	}
	runner, _, err := a.runner(rc)
	if err != nil {
		return 1, err
	}

	sum, err := runner.Run(ctx, target, pipeline.RunOptions{
		RetryFailed: *retryFailed,
		SkipScrape:  *skipScrape,
		SkipExport:  *skipExport,
	})
	if sum == nil {
		return 1, err
	}
	if *asJSON {
		if perr := printJSON(sum); perr != nil {
			return 1, perr
		}
	} else {
		printSummary(os.Stdout, sum)
	}
	return sum.ExitCode(), err
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s (%s)\n", s.SessionID, s.Status)
	fmt.Fprintf(tw, "target\t%s\n", s.Target)
	fmt.Fprintf(tw, "discovered\t%d (%d new)\n", s.Discovered, s.NewItems)
	fmt.Fprintf(tw, "items\t%d processed, %d skipped, %d failed, %d pending\n",
		s.Snapshot.ProcessedPosts, s.Snapshot.SkippedPosts, s.Snapshot.FailedPosts, s.Snapshot.PendingPosts)
	fmt.Fprintf(tw, "downloads\t%d completed, %d failed, %d pending\n",
		s.Snapshot.SuccessfulDownloads, s.Snapshot.FailedDownloads,
		s.Snapshot.PendingDownloads+s.Snapshot.InFlightDownloads)
	if s.Export != nil {
		fmt.Fprintf(tw, "export\t%d records, %d deferred\n", s.Export.Records, len(s.Export.Deferred))
		for _, e := range s.Export.Failed() {
			fmt.Fprintf(tw, "  %s\tfailed: %s\n", e.Name, e.Error)
		}
	}
	for _, e := range s.PluginErrors {
		fmt.Fprintf(tw, "plugin error\t%s\n", e)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(tw, "error\t%s\n", e)
	}
	if s.Interrupted {
		fmt.Fprintf(tw, "interrupted\tre-run the same command to resume\n")
	}
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Millisecond))
	tw.Flush()
}

func sessionsCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("sessions")
	status := fs.String("status", "", "filter by status")
	kind := fs.String("kind", "", "filter by target kind")
	limit := fs.Int("limit", 50, "maximum sessions to list")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	st, err := a.openStore()
	if err != nil {
		return 1, err
	}
	sessions, err := st.ListSessions(ctx, store.SessionFilter{
		Status: store.SessionStatus(*status),
		Kind:   content.TargetKind(*kind),
		Limit:  *limit,
	})
	if err != nil {
		return 1, err
	}
	if *asJSON {
		return 0, printJSON(sessions)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tPOSTS\tPROCESSED\tSKIPPED\tFAILED\tDOWNLOADS\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d/%d\t%s\n",
			s.ID, s.Target, s.Status, s.TotalPosts, s.ProcessedPosts, s.SkippedPosts, s.FailedPosts,
			s.SuccessfulDownloads, s.TotalDownloads,
			time.UnixMilli(s.UpdatedAt).UTC().Format(time.RFC3339))
	}
	return 0, tw.Flush()
}

func exportCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("export")
	runFile := fs.String("run-file", "", "run configuration file")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	id, err := requireArg(fs.Args(), "SESSION_ID")
	if err != nil {
		return 2, err
	}
	rc, err := a.runConfig(*runFile)
	if err != nil {
		return 2, err
	}
	runner, _, err := a.runner(rc)
	if err != nil {
		return 1, err
	}
	report, err := runner.Export(ctx, id)
	if err != nil {
		return 1, err
	}
	if err := printJSON(report); err != nil {
		return 1, err
	}
	if len(report.Failed()) > 0 {
		return 1, nil
	}
	return 0, nil
}

func verifyCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("verify")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	id, err := requireArg(fs.Args(), "SESSION_ID")
	if err != nil {
		return 2, err
	}
	st, err := a.openStore()
	if err != nil {
		return 1, err
	}
	repair, err := st.RepairSession(ctx, id)
	if err != nil {
		return 1, err
	}
	downloads, err := st.ListDownloads(ctx, id, store.DownloadFilter{Status: store.DownloadCompleted})
	if err != nil {
		return 1, err
	}
	results, err := scheduler.VerifyFiles(ctx, downloads)
	if err != nil {
		return 1, err
	}

	bad := 0
	for _, r := range results {
		if r.Status != scheduler.VerifyOK {
			bad++
		}
	}
	err = printJSON(struct {
		Repair  *store.RepairReport      `json:"repair"`
		Checked int                      `json:"checked"`
		Bad     int                      `json:"bad"`
		Files   []scheduler.VerifyResult `json:"files"`
	}{repair, len(results), bad, results})
	if bad > 0 {
		return 1, err
	}
	return 0, err
}

func pruneCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("prune")
	olderThan := fs.Duration("older-than", a.cfg.Retention, "age of finished sessions to delete")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	if *olderThan <= 0 {
		return 2, usageError("prune: -older-than must be positive")
	}
	st, err := a.openStore()
	if err != nil {
		return 1, err
	}
	n, err := st.PruneSessions(ctx, *olderThan)
	if err != nil {
		return 1, err
	}
	fmt.Printf("pruned %d sessions\n", n)
	return 0, nil
}

func pluginsCmd(_ context.Context, a *app, args []string) (int, error) {
	fs := newFlags("plugins")
	runFile := fs.String("run-file", "", "run configuration file")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	sub := "list"
	if fs.NArg() > 0 {
		sub = fs.Arg(0)
	}
	switch sub {
	case "schema":
		schema, err := plugin.Schema()
		if err != nil {
			return 1, err
		}
		_, err = os.Stdout.Write(append(schema, '\n'))
		return 0, err
	case "list":
	default:
		return 2, usageError(fmt.Sprintf("plugins: unknown subcommand %q", sub))
	}

	rc, err := a.runConfig(*runFile)
	if err != nil {
		return 2, err
	}
	reg, errs := a.registry(rc)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tROLES\tPRIORITY\tCONTENT TYPES\tSOURCE")
	for _, p := range reg.Plugins() {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%v\t%s\n", p.Name, p.Version, p.Roles, p.Priority, p.ContentTypes, p.Source)
	}
	if err := tw.Flush(); err != nil {
		return 1, err
	}
	for _, c := range reg.Conflicts() {
		fmt.Printf("conflict: %s at priority %d served by %v\n", c.ContentType, c.Priority, c.Plugins)
	}
	for _, err := range errs {
		fmt.Printf("error: %v\n", err)
	}
	if len(errs) > 0 {
		return 1, nil
	}
	return 0, nil
}

func serveCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := newFlags("serve")
	runFile := fs.String("run-file", "", "run configuration file")
	if err := parse(fs, args); err != nil {
		return 2, err
	}
	if a.cfg.MgmtAuthMode == "api-key" && a.cfg.MgmtAPIKey == "" {
		return 2, errors.New("serve: HARVESTER_MGMT_API_KEY is required in api-key mode")
	}
	rc, err := a.runConfig(*runFile)
	if err != nil {
		return 2, err
	}
	runner, reg, err := a.runner(rc)
	if err != nil {
		return 1, err
	}

	checker := health.NewChecker(a.logger)
	checker.Register("store", health.PingCheck(a.store))
	checker.Register("store_size", health.SizeCheck(a.store, a.cfg.DBSizeWarn))
	checker.Register("output_dir", health.DirCheck(a.cfg.OutputDir))

	srv := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: a.cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   a.cfg.MgmtAuthMode,
			APIKey: a.cfg.MgmtAPIKey,
			Roles:  keyRoles(a.cfg.ReadOnlyKeyList(), a.cfg.OperatorKeyList()),
		},
		RateLimit:   mgmt.RateLimitConfig{RPS: a.cfg.MgmtRateLimit, Burst: a.cfg.MgmtRateBurst},
		CORSOrigins: a.cfg.MgmtCORS,
	}, mgmt.Deps{
		Store:    a.store,
		Exporter: runner,
		Registry: reg,
		Checker:  checker,
		Metrics:  a.metrics,
	}, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return 1, err
	case <-ctx.Done():
	}
	if err := srv.Shutdown(); err != nil {
		return 1, err
	}
	return 0, nil
}

// keyRoles maps extra API keys to roles. A key listed twice gets the higher role.
func keyRoles(readOnly, operator []string) map[string]mgmt.Role {
	roles := make(map[string]mgmt.Role, len(readOnly)+len(operator))
	for _, k := range readOnly {
		roles[k] = mgmt.RoleReadOnly
	}
	for _, k := range operator {
		roles[k] = mgmt.RoleOperator
	}
	return roles
}
