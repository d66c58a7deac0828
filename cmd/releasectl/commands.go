package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/pipeline"
	apiclient "github.com/ericreilly999/inventory-release/pkg/api/client"
	"github.com/ericreilly999/inventory-release/pkg/config"
	"github.com/ericreilly999/inventory-release/pkg/jwt"
)

const (
	requestTimeout = 30 * time.Second
	// seeding holds its request open until the task exits
	seedTimeout  = 30 * time.Minute
	waitInterval = 5 * time.Second
)

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBaseURL+")")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	_ = fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("token is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	cfg.AccessToken = secret

	// Listing environments validates the token before it is saved.
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithToken(secret))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	envs, err := client.Environments(ctx)
	if err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Name)
	}
	fmt.Printf("logged in to %s (environments: %s)\n", cfg.APIBaseURL, strings.Join(names, ", "))
	return nil
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	operator := fs.String("operator", "", "Operator name recorded on releases")
	envs := fs.StringSlice("env", nil, "Environments the token may release to ("+jwt.AllEnvironments+" for all)")
	ttl := fs.Duration("ttl", 12*time.Hour, "Token lifetime")
	secret := fs.String("secret", "", "Signing secret (default $JWT_SECRET)")
	save := fs.Bool("save", false, "Store the token as the current login")
	_ = fs.Parse(args)

	if strings.TrimSpace(*operator) == "" {
		return errors.New("--operator is required")
	}
	if len(*envs) == 0 {
		return errors.New("--env is required")
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(config.GetString("JWT_SECRET", ""))
	}
	if key == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	token, err := jwt.GenerateToken(strings.TrimSpace(*operator), normaliseEnvs(*envs), key, *ttl)
	if err != nil {
		return err
	}
	if *save {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Println(token)
	return nil
}

func commandEnvironments(args []string) error {
	fs := flag.NewFlagSet("environments", flag.ExitOnError)
	_ = fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	envs, err := client.Environments(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCLASS\tPLATFORM\tREGION\tBOUNDARY\tAUTOSCALING\tDOMAIN")
	for _, env := range envs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", env.Name, env.Class, env.Platform, env.Region, env.Boundary, env.Autoscaling, env.PublicDomain)
	}
	return tw.Flush()
}

func commandRelease(args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	env := fs.String("env", "", "Target environment")
	ver := fs.String("version", "", "Release version (x.y.z)")
	wait := fs.Bool("wait", false, "Wait for the release to finish")
	_ = fs.Parse(args)
	if strings.TrimSpace(*env) == "" || strings.TrimSpace(*ver) == "" {
		return errors.New("--env and --version are required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	rel, err := client.Release(ctx, *env, *ver)
	if err != nil {
		return err
	}
	fmt.Printf("release %s started: %s %s\n", rel.ID, rel.Environment, rel.Version)
	if *wait {
		return waitFor(client, rel.ID)
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	env := fs.String("env", "", "Target environment")
	ver := fs.String("version", "", "Previously released version to restore")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	wait := fs.Bool("wait", false, "Wait for the rollback to finish")
	_ = fs.Parse(args)
	if strings.TrimSpace(*env) == "" || strings.TrimSpace(*ver) == "" {
		return errors.New("--env and --version are required")
	}
	if !*yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to roll back without --yes on a non-interactive terminal")
		}
		prompt := fmt.Sprintf("Roll %s back to %s? Migrations are not reversed. [y/N]: ", *env, *ver)
		ok, err := confirm(os.Stdin, os.Stdout, prompt)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("rollback aborted")
			return nil
		}
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	rel, err := client.Rollback(ctx, *env, *ver)
	if err != nil {
		return err
	}
	fmt.Printf("rollback %s started: %s -> %s\n", rel.ID, rel.Environment, rel.Version)
	if *wait {
		return waitFor(client, rel.ID)
	}
	return nil
}

func commandSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	releaseID := fs.String("release", "", "Released release identifier")
	_ = fs.Parse(args)
	if strings.TrimSpace(*releaseID) == "" {
		return errors.New("--release is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()
	run, err := client.Seed(ctx, *releaseID)
	if err != nil {
		return err
	}
	fmt.Printf("seeded %s with %s (task %s)\n", run.Environment, run.Version, run.TaskHandle)
	if run.LogRef != "" {
		fmt.Printf("logs: %s\n", run.LogRef)
	}
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	releaseID := fs.String("release", "", "Release identifier")
	_ = fs.Parse(args)
	if strings.TrimSpace(*releaseID) == "" {
		return errors.New("--release is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Cancel(ctx, *releaseID); err != nil {
		return err
	}
	fmt.Println("cancellation requested; the release stops at its next stage boundary")
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	env := fs.String("env", "", "Environment")
	limit := fs.Int("limit", 10, "Maximum number of releases")
	_ = fs.Parse(args)
	if strings.TrimSpace(*env) == "" {
		return errors.New("--env is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	releases, err := client.History(ctx, *env, *limit)
	if err != nil {
		return err
	}
	printReleases(os.Stdout, releases)
	return nil
}

func commandShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	releaseID := fs.String("release", "", "Release identifier")
	env := fs.String("env", "", "Environment (with --version)")
	ver := fs.String("version", "", "Version (with --env)")
	_ = fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var report pipeline.Report
	switch {
	case strings.TrimSpace(*releaseID) != "":
		report, err = client.Show(ctx, *releaseID)
	case strings.TrimSpace(*env) != "" && strings.TrimSpace(*ver) != "":
		report, err = client.ShowVersion(ctx, *env, *ver)
	default:
		return errors.New("--release or --env with --version is required")
	}
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	return nil
}

// waitFor polls the release until it reaches a terminal status.
func waitFor(client *apiclient.Client, releaseID string) error {
	last := domain.ReleaseStatus("")
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		report, err := client.Show(ctx, releaseID)
		cancel()
		if err != nil {
			return err
		}
		rel := report.Release
		if rel.Status != last {
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), rel.Status)
			last = rel.Status
		}
		if rel.Status.Terminal() {
			if rel.Status == domain.StatusFailed {
				return fmt.Errorf("release failed at %s (%s): %s", rel.Stage, rel.FailureCode, rel.FailureReason)
			}
			return nil
		}
		<-ticker.C
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func normaliseEnvs(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, env := range raw {
		env = strings.ToLower(strings.TrimSpace(env))
		if env == "" {
			continue
		}
		if _, ok := seen[env]; ok {
			continue
		}
		seen[env] = struct{}{}
		out = append(out, env)
	}
	return out
}

func printReleases(w io.Writer, releases []domain.Release) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tKIND\tSTATUS\tSTAGE\tTRIGGERED BY\tSTARTED")
	for _, rel := range releases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", rel.ID, rel.Version, rel.Kind, rel.Status, rel.Stage, rel.TriggeredBy, rel.StartedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report pipeline.Report) {
	rel := report.Release
	fmt.Fprintf(w, "release     %s\n", rel.ID)
	fmt.Fprintf(w, "environment %s\n", rel.Environment)
	fmt.Fprintf(w, "version     %s (%s)\n", rel.Version, rel.Kind)
	fmt.Fprintf(w, "status      %s\n", rel.Status)
	if rel.FailureCode != "" {
		fmt.Fprintf(w, "failure     %s at %s: %s\n", rel.FailureCode, rel.Stage, rel.FailureReason)
	}
	if len(rel.Images) > 0 {
		fmt.Fprintln(w, "\nimages:")
		for _, img := range rel.Images {
			fmt.Fprintf(w, "  %-10s %s\n", img.Service, img.String())
		}
	}
	if len(report.MigrationRuns) > 0 {
		fmt.Fprintln(w, "\nmigrations:")
		for _, run := range report.MigrationRuns {
			exit := "-"
			if run.ExitCode != nil {
				exit = fmt.Sprint(*run.ExitCode)
			}
			applied := "-"
			if run.Applied != nil {
				applied = fmt.Sprint(*run.Applied)
			}
			fmt.Fprintf(w, "  %s exit=%s applied=%s %s\n", run.State, exit, applied, run.LogRef)
		}
	}
	if len(report.Deployments) > 0 {
		fmt.Fprintln(w, "\nservices:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, dep := range report.Deployments {
			fmt.Fprintf(tw, "  %s\t%s\t%d/%d\t%s\n", dep.Service, dep.Stability, dep.Healthy, dep.Desired, dep.Image)
		}
		_ = tw.Flush()
	}
}
