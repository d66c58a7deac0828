package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericreilly999/inventory-release/internal/archive"
	"github.com/ericreilly999/inventory-release/internal/artifact/source"
	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/lock"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/internal/platform"
	"github.com/ericreilly999/inventory-release/internal/platform/platformtest"
	"github.com/ericreilly999/inventory-release/internal/repository/memory"
	"github.com/ericreilly999/inventory-release/internal/rollout"
)

var serviceNames = []string{"gateway", "auth", "inventory", "location", "user", "reporting"}

const noPendingMigrations = `{"level":"INFO","msg":"migration summary","applied":0,"version":12,"pending":0}`

type catalog struct {
	envs     map[environment.Name]environment.Environment
	services []environment.Service
}

func newCatalog() catalog {
	c := catalog{envs: map[environment.Name]environment.Environment{}}
	for _, name := range serviceNames {
		c.services = append(c.services, environment.Service{Name: name, Class: "api", Container: name, HealthPath: "/health"})
	}
	for i, name := range []environment.Name{environment.Staging, environment.Prod} {
		c.envs[name] = environment.Environment{
			Name:           name,
			Region:         "us-west-2",
			Platform:       environment.PlatformECS,
			StateKey:       "inventory/" + string(name),
			DatabaseSecret: "inventory/" + string(name) + "/database-url",
			PublicDomain:   string(name) + ".inventory.example.com",
			Network: environment.Network{
				Subnets:  []string{"subnet-" + string(rune('a'+i))},
				Boundary: environment.BoundaryPrivate,
			},
			Sizing: map[string]environment.Sizing{"api": {CPU: 256, Memory: 512, DesiredCount: 2}},
			Migration: environment.Migration{
				SourceService: "inventory",
				Command:       []string{"/app/migrate", "up"},
				Timeout:       500 * time.Millisecond,
			},
			SeedCommand: []string{"/app/seed"},
		}
	}
	return c
}

func (c catalog) Resolve(name string) (environment.Environment, error) {
	n, err := environment.ParseName(name)
	if err != nil {
		return environment.Environment{}, err
	}
	env, ok := c.envs[n]
	if !ok {
		return environment.Environment{}, domain.Errorf(domain.CodeUnknownEnvironment, "unknown environment %q", name)
	}
	return env, nil
}

func (c catalog) Environments() []environment.Environment {
	return []environment.Environment{c.envs[environment.Staging], c.envs[environment.Prod]}
}

func (c catalog) Services() []environment.Service { return c.services }

func (c catalog) Service(name string) (environment.Service, bool) {
	for _, s := range c.services {
		if s.Name == name {
			return s, true
		}
	}
	return environment.Service{}, false
}

func (c catalog) SizingFor(env environment.Environment, class string) (environment.Sizing, error) {
	s, ok := env.Sizing[class]
	if !ok {
		return environment.Sizing{}, domain.Errorf(domain.CodeValidation, "no sizing for %s", class)
	}
	return s, nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	gate    chan struct{}
	testErr error
	cleaned int
}

func (f *fakeArtifacts) Checkout(_ context.Context, rel domain.Release) (source.Checkout, error) {
	return source.Checkout{Dir: "/work/version-" + rel.ID[:8], Tag: "v" + rel.Version, Commit: "c0ffee"}, nil
}

func (f *fakeArtifacts) Test(_ context.Context, _ source.Checkout) error {
	if f.gate != nil {
		<-f.gate
	}
	return f.testErr
}

func (f *fakeArtifacts) PublishAll(_ context.Context, _ source.Checkout, ver string, _ environment.Environment) ([]domain.ImageRef, error) {
	out := make([]domain.ImageRef, 0, len(serviceNames))
	for _, name := range serviceNames {
		out = append(out, domain.ImageRef{Service: name, Repository: "reg/" + name, Tag: ver, Digest: "sha256:" + strings.ReplaceAll(ver, ".", "")})
	}
	return out, nil
}

func (f *fakeArtifacts) Cleanup(_ source.Checkout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return nil
}

type fakeGuard struct{}

func (fakeGuard) Check(_ context.Context, env environment.Environment) (string, error) {
	return "arn:aws:secretsmanager:us-west-2:1:secret:" + env.DatabaseSecret, nil
}

// versionVerifier fails every service running an image tagged with bad.
type versionVerifier struct {
	bad string
}

func (v versionVerifier) Verify(_ context.Context, _ environment.Environment, deps []domain.ServiceDeployment) domain.VerificationResult {
	var result domain.VerificationResult
	for _, d := range deps {
		healthy := v.bad == "" || !strings.Contains(d.Image, ":"+v.bad+"@")
		result.Checks = append(result.Checks, domain.ServiceCheck{Service: d.Service, Attempts: 1, Healthy: healthy})
	}
	return result
}

type fakeArchive struct {
	mu   sync.Mutex
	puts []archive.Record
}

func (a *fakeArchive) Put(_ context.Context, _ environment.Environment, rec archive.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts = append(a.puts, rec)
	return rec.Release.ID, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.ReleaseEvent
}

func (e *eventLog) Publish(ev domain.ReleaseEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) statuses(releaseID string) []domain.ReleaseStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ReleaseStatus
	for _, ev := range e.events {
		if ev.ReleaseID == releaseID && ev.Service == "" {
			out = append(out, ev.Status)
		}
	}
	return out
}

type harness struct {
	p         *Pipeline
	store     *memory.Store
	plat      *platformtest.Platform
	locker    lock.Locker
	artifacts *fakeArtifacts
	archive   *fakeArchive
	events    *eventLog
	verifier  *versionVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := newCatalog()
	plat := platformtest.New()
	for _, env := range cat.envs {
		for _, name := range serviceNames {
			plat.AddService(env.Name, name, "reg/"+name+":1.1.0", 2, platform.Placement{
				Subnets:        env.Network.Subnets,
				SecurityGroups: []string{"sg-" + string(env.Name)},
			})
		}
	}
	store := memory.New()
	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Close)
	platforms := platform.Set{environment.PlatformECS: plat}
	events := &eventLog{}
	arts := &fakeArtifacts{}
	arch := &fakeArchive{}
	verifier := &versionVerifier{}

	exec := migration.NewExecutor(platforms, fakeGuard{}, store, cat,
		migration.Config{LaunchAttempts: 2, PollInterval: time.Millisecond, SeedTimeout: 500 * time.Millisecond}, logger)
	ctrl := rollout.NewController(platforms, cat, NewDeploymentRecorder(store, events, logger),
		rollout.Config{PollInterval: time.Millisecond, Timeout: 200 * time.Millisecond}, logger)

	p := New(Deps{
		Registry:  cat,
		Store:     store,
		Locker:    locker,
		Artifacts: arts,
		Migrator:  exec,
		Rollout:   ctrl,
		Verifier:  verifier,
		Platforms: platforms,
		Archive:   arch,
		Events:    events,
	}, Config{LockTTL: time.Minute}, logger)
	return &harness{p: p, store: store, plat: plat, locker: locker, artifacts: arts, archive: arch, events: events, verifier: verifier}
}

func (h *harness) kinds() []string {
	var out []string
	for _, ev := range h.plat.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

func TestReleaseWithNoPendingMigrations(t *testing.T) {
	h := newHarness(t)
	h.plat.QueueTask(platformtest.TaskScript{RunningPolls: 2, Logs: []string{noPendingMigrations}})

	rel, err := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rel.Status != domain.StatusReleased || rel.EndedAt == nil {
		t.Fatalf("expected released, got %s", rel.Status)
	}

	report, err := h.p.Report(context.Background(), rel.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(report.MigrationRuns) != 1 {
		t.Fatalf("expected one migration run, got %d", len(report.MigrationRuns))
	}
	run := report.MigrationRuns[0]
	if run.State != domain.MigrationSucceeded || run.Applied == nil || *run.Applied != 0 {
		t.Fatalf("expected no-op migration, got %+v", run)
	}
	if len(report.Deployments) != len(serviceNames) {
		t.Fatalf("expected %d deployments, got %d", len(serviceNames), len(report.Deployments))
	}
	for i, d := range report.Deployments {
		if d.Service != serviceNames[i] || d.Stability != domain.StabilityStable {
			t.Fatalf("deployment %d: %+v", i, d)
		}
	}
	if len(report.Release.Images) != len(serviceNames) || len(report.Release.PreviousImages) != len(serviceNames) {
		t.Fatalf("images not recorded: %+v", report.Release)
	}
	if report.Release.PreviousImages[0].Tag != "1.1.0" {
		t.Fatalf("previous image not captured: %+v", report.Release.PreviousImages[0])
	}

	kinds := h.kinds()
	if kinds[0] != "task" {
		t.Fatalf("migration must run before any service update, got %v", kinds)
	}
	for _, k := range kinds[1:] {
		if k != "update" {
			t.Fatalf("unexpected platform call order %v", kinds)
		}
	}

	want := []domain.ReleaseStatus{domain.StatusPending, domain.StatusTesting, domain.StatusBuilding, domain.StatusMigrating, domain.StatusRollingOut, domain.StatusVerifying, domain.StatusReleased}
	got := h.events.statuses(rel.ID)
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}

	if owner, held, _ := h.locker.Owner(context.Background(), "inventory/staging"); held {
		t.Fatalf("environment lock still held by %s", owner)
	}
	if len(h.archive.puts) != 1 || h.archive.puts[0].Release.Status != domain.StatusReleased {
		t.Fatalf("expected terminal release archived, got %+v", h.archive.puts)
	}
	if h.artifacts.cleaned != 1 {
		t.Fatalf("expected checkout cleaned once, got %d", h.artifacts.cleaned)
	}
}

func TestReportByVersionNormalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.plat.QueueTask(platformtest.TaskScript{Logs: []string{noPendingMigrations}})
	rel, err := h.p.Run(ctx, "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, raw := range []string{"1.2.0", " 1.2.0 ", "v1.2.0", "refs/tags/v1.2.0"} {
		report, err := h.p.ReportByVersion(ctx, "staging", raw)
		if err != nil {
			t.Fatalf("ReportByVersion(%q): %v", raw, err)
		}
		if report.Release.ID != rel.ID {
			t.Fatalf("ReportByVersion(%q) returned %s", raw, report.Release.ID)
		}
	}
	if _, err := h.p.ReportByVersion(ctx, "staging", "latest"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected VALIDATION for a malformed version, got %v", err)
	}
	if _, err := h.p.ReportByVersion(ctx, "staging", "1.3.0"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFailingMigrationTouchesNoService(t *testing.T) {
	h := newHarness(t)
	h.plat.QueueTask(platformtest.TaskScript{RunningPolls: 1, ExitCode: 1, Reason: "duplicate column"})

	rel, err := h.p.Run(context.Background(), "staging", "1.2.1", "ops")
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected MIGRATION_FAILED, got %v", err)
	}
	if rel.Status != domain.StatusFailed || rel.Stage != domain.StatusMigrating {
		t.Fatalf("expected failed at migrating, got %s/%s", rel.Status, rel.Stage)
	}
	stored, _ := h.store.GetRelease(context.Background(), rel.ID)
	if stored.FailureCode != string(domain.CodeMigrationFailed) || stored.FailureReason == "" {
		t.Fatalf("failure not persisted: %+v", stored)
	}
	deps, _ := h.store.ListServiceDeployments(context.Background(), rel.ID)
	if len(deps) != 0 {
		t.Fatalf("expected zero service deployments, got %d", len(deps))
	}
	for _, k := range h.kinds() {
		if k == "update" {
			t.Fatalf("no service may be updated after a failed migration")
		}
	}
}

func TestTimedOutMigrationBlocksNextRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.plat.QueueTask(platformtest.TaskScript{RunningPolls: -1})

	rel, err := h.p.Run(ctx, "staging", "1.2.0", "ops")
	if !errors.Is(err, domain.ErrMigrationTimeout) {
		t.Fatalf("expected MIGRATION_TIMEOUT, got %v", err)
	}
	if rel.Status != domain.StatusFailed || rel.Stage != domain.StatusMigrating {
		t.Fatalf("expected failed at migrating, got %s/%s", rel.Status, rel.Stage)
	}
	if owner, held, _ := h.locker.Owner(ctx, "inventory/staging"); held {
		t.Fatalf("environment lock still held by %s", owner)
	}

	_, err = h.p.Run(ctx, "staging", "1.2.1", "ops")
	if !errors.Is(err, domain.ErrMigrationInFlight) {
		t.Fatalf("expected MIGRATION_IN_PROGRESS while the timed out task runs, got %v", err)
	}
	tasks := 0
	for _, k := range h.kinds() {
		switch k {
		case "task":
			tasks++
		case "update":
			t.Fatalf("no service may be updated while a migration task runs")
		}
	}
	if tasks != 1 {
		t.Fatalf("expected a single migration task, got %d", tasks)
	}
}

// losingLocker reports every refresh as lost.
type losingLocker struct {
	lock.Locker
}

func (losingLocker) Refresh(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestLostLockStopsReleaseAtNextStage(t *testing.T) {
	h := newHarness(t)
	h.p.locker = losingLocker{Locker: h.locker}
	h.p.cfg.LockTTL = 30 * time.Millisecond
	h.artifacts.gate = make(chan struct{})

	lost := func() bool {
		h.p.mu.Lock()
		defer h.p.mu.Unlock()
		for _, r := range h.p.running {
			if r.lockLost.Load() {
				return true
			}
		}
		return false
	}
	go func() {
		defer close(h.artifacts.gate)
		deadline := time.Now().Add(5 * time.Second)
		for !lost() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}()

	rel, err := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
	if !errors.Is(err, domain.ErrInterrupted) {
		t.Fatalf("expected INTERRUPTED, got %v", err)
	}
	if rel.Status != domain.StatusFailed || rel.Stage != domain.StatusTesting {
		t.Fatalf("expected failure after testing, got %s/%s", rel.Status, rel.Stage)
	}
	if len(h.plat.Events()) != 0 {
		t.Fatalf("no platform call may follow a lost lock, got %v", h.kinds())
	}
}

func TestSecondReleaseOnBusyEnvironment(t *testing.T) {
	h := newHarness(t)
	h.artifacts.gate = make(chan struct{})

	first, err := h.p.Start(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.p.Start(context.Background(), "staging", "1.2.1", "ops"); !errors.Is(err, domain.ErrEnvironmentBusy) {
		t.Fatalf("expected ENVIRONMENT_BUSY, got %v", err)
	}
	other, err := h.p.Start(context.Background(), "prod", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("different environment must not be blocked: %v", err)
	}

	close(h.artifacts.gate)
	h.p.Wait()

	for _, id := range []string{first.ID, other.ID} {
		rel, _ := h.store.GetRelease(context.Background(), id)
		if rel.Status != domain.StatusReleased {
			t.Fatalf("release %s ended %s (%s)", id, rel.Status, rel.FailureReason)
		}
	}
	if _, err := h.p.Start(context.Background(), "staging", "1.2.1", "ops"); err != nil {
		t.Fatalf("environment should be free after terminal outcome: %v", err)
	}
	h.p.Wait()
}

func TestRollbackReappliesPriorImages(t *testing.T) {
	h := newHarness(t)
	good, err := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("release 1.2.0: %v", err)
	}

	h.verifier.bad = "1.3.0"
	bad, err := h.p.Run(context.Background(), "staging", "1.3.0", "ops")
	if !errors.Is(err, domain.ErrHealthCheckFailed) {
		t.Fatalf("expected HEALTH_CHECK_FAILED, got %v", err)
	}
	if bad.Status != domain.StatusFailed || bad.Stage != domain.StatusVerifying {
		t.Fatalf("expected failed at verifying, got %s/%s", bad.Status, bad.Stage)
	}
	if h.plat.Image(environment.Staging, "gateway") != "reg/gateway:1.3.0@sha256:130" {
		t.Fatalf("unhealthy release must not roll back on its own")
	}

	before := len(h.plat.Events())
	rb, err := h.p.RunRollback(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("RunRollback: %v", err)
	}
	if rb.Status != domain.StatusRolledBack || rb.Kind != domain.KindRollback || rb.RollbackOf == nil || *rb.RollbackOf != good.ID {
		t.Fatalf("unexpected rollback release %+v", rb)
	}

	var order []string
	for _, ev := range h.plat.Events()[before:] {
		if ev.Kind != "update" {
			t.Fatalf("rollback must not launch tasks, saw %s", ev.Kind)
		}
		order = append(order, ev.Service)
		if !strings.Contains(ev.Image, ":1.2.0@") {
			t.Fatalf("rollback applied %s", ev.Image)
		}
	}
	if strings.Join(order, ",") != strings.Join(serviceNames, ",") {
		t.Fatalf("rollback order %v", order)
	}
	runs, _ := h.store.ListMigrationRuns(context.Background(), rb.ID)
	if len(runs) != 0 {
		t.Fatalf("rollback created %d migration runs", len(runs))
	}
}

func TestRollbackRequiresReleasedVersion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.Rollback(context.Background(), "staging", "0.9.0", "ops"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCancelStopsAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	h.artifacts.gate = make(chan struct{})

	rel, err := h.p.Start(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.p.Cancel(context.Background(), rel.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(h.artifacts.gate)
	h.p.Wait()

	stored, _ := h.store.GetRelease(context.Background(), rel.ID)
	if stored.Status != domain.StatusFailed || stored.FailureCode != string(domain.CodeCancelled) {
		t.Fatalf("expected cancelled failure, got %+v", stored)
	}
	if len(h.plat.Events()) != 0 {
		t.Fatalf("cancelled release touched the platform: %v", h.kinds())
	}
	if err := h.p.Cancel(context.Background(), rel.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancelling a terminal release: expected INVALID_TRANSITION, got %v", err)
	}
}

func TestStartValidatesInput(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.Start(context.Background(), "staging", "1.2", "ops"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.p.Start(context.Background(), "qa", "1.2.0", "ops"); !errors.Is(err, domain.ErrUnknownEnvironment) {
		t.Fatalf("expected UNKNOWN_ENVIRONMENT, got %v", err)
	}
	if _, err := h.p.Start(context.Background(), "dev", "1.2.0", "ops"); !errors.Is(err, domain.ErrUnknownEnvironment) {
		t.Fatalf("undefined catalogue entry: expected UNKNOWN_ENVIRONMENT, got %v", err)
	}
}

func TestTestFailureAbortsBeforeBuild(t *testing.T) {
	h := newHarness(t)
	h.artifacts.testErr = domain.Errorf(domain.CodeTestFailed, "3 tests failed")
	rel, err := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
	if !errors.Is(err, domain.ErrTestFailed) || rel.Stage != domain.StatusTesting {
		t.Fatalf("expected TEST_FAILED at testing, got %v (%s)", err, rel.Stage)
	}
	if len(rel.Images) != 0 {
		t.Fatalf("no images may be published after failed tests")
	}
}

func TestSeedAfterRelease(t *testing.T) {
	h := newHarness(t)
	failed := func() domain.Release {
		h.plat.QueueTask(platformtest.TaskScript{ExitCode: 1})
		rel, _ := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
		return rel
	}()
	if _, err := h.p.Seed(context.Background(), failed.ID, "ops"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("seeding a failed release: expected INVALID_TRANSITION, got %v", err)
	}

	rel, err := h.p.Run(context.Background(), "staging", "1.2.0", "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seed, err := h.p.Seed(context.Background(), rel.ID, "ops")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if seed.TaskHandle == "" || seed.ReleaseID != rel.ID {
		t.Fatalf("unexpected seed run %+v", seed)
	}
	if _, held, _ := h.locker.Owner(context.Background(), "inventory/staging"); held {
		t.Fatalf("seeding must release the environment lock")
	}
}

func TestParseImage(t *testing.T) {
	cases := []struct {
		in   string
		want domain.ImageRef
	}{
		{"reg/gateway:1.1.0", domain.ImageRef{Service: "s", Repository: "reg/gateway", Tag: "1.1.0"}},
		{"localhost:5000/gateway", domain.ImageRef{Service: "s", Repository: "localhost:5000/gateway"}},
		{"1.dkr.ecr.us-west-2.amazonaws.com/a:2@sha256:ff", domain.ImageRef{Service: "s", Repository: "1.dkr.ecr.us-west-2.amazonaws.com/a", Tag: "2", Digest: "sha256:ff"}},
		{"reg/a@sha256:ee", domain.ImageRef{Service: "s", Repository: "reg/a", Digest: "sha256:ee"}},
	}
	for _, tc := range cases {
		if got := ParseImage("s", tc.in); got != tc.want {
			t.Fatalf("ParseImage(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
