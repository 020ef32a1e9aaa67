// DPROD Deploy CLI
// Single-node deployment tool: takes a project directory or a gzipped
// tar bundle through the full pipeline inline, without the queue or a
// worker fleet. Also inspects, stops and samples what it deployed. The
// -queue flag switches to enqueue-only mode for a running worker fleet.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dprod/internal/advisor"
	"dprod/internal/archive"
	"dprod/internal/cache"
	"dprod/internal/config"
	"dprod/internal/db"
	"dprod/internal/detect"
	"dprod/internal/logging"
	"dprod/internal/orchestrator"
	"dprod/internal/queue"
	"dprod/internal/runtime"
	"dprod/internal/status"
	"dprod/internal/telemetry"
)

func main() {
	var (
		name     = flag.String("name", "", "project name (defaults to the bundle's base name)")
		owner    = flag.String("owner", "local", "owning user id recorded on the project")
		useQueue = flag.Bool("queue", false, "enqueue the deployment instead of running it inline")
		list     = flag.Bool("list", false, "list active deployments and exit")
		stop     = flag.String("stop", "", "stop the deployment of the given project id and exit")
		logsFor  = flag.String("logs", "", "print container logs for the given project id and exit")
		tail     = flag.Int("tail", 100, "log lines to fetch with -logs")
		statsFor = flag.String("stats", "", "print a utilization report for the given project id and exit")
	)
	flag.Usage = usage
	flag.Parse()

	logging.Init()
	defer logging.Sync()
	cfg := config.Load()

	ctx := context.Background()
	app, err := setup(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer app.close()

	switch {
	case *list:
		err = app.list()
	case *stop != "":
		err = app.stop(ctx, *stop)
	case *logsFor != "":
		err = app.logs(ctx, *logsFor, *tail)
	case *statsFor != "":
		err = app.stats(ctx, *statsFor)
	default:
		if flag.NArg() != 1 {
			usage()
			os.Exit(2)
		}
		err = app.deploy(ctx, flag.Arg(0), *name, *owner, *useQueue)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  deploy [flags] <bundle.tar.gz | project-dir>   deploy a project
  deploy -list                                   list active deployments
  deploy -stop <project-id>                      stop a deployment
  deploy -logs <project-id> [-tail N]            print container logs
  deploy -stats <project-id>                     print a utilization report

Flags:
`)
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// app holds the wired pipeline for one CLI invocation.
type app struct {
	cfg      *config.Config
	database *db.Database
	rt       *runtime.Client
	engine   *advisor.AdvisedEngine
	deployer *orchestrator.Deployer
	projects *orchestrator.ProjectStore
	store    *status.Store
	cache    cache.Cache
}

func setup(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	rt, err := runtime.New(cfg.DockerSocket, cfg.ContainerNetwork)
	if err != nil {
		database.Close()
		return nil, err
	}

	engine := advisor.NewAdvisedEngine(detect.NewEngine(), nil)
	deployer := orchestrator.NewDeployer(rt, engine, cfg)

	var snapshots cache.Cache
	if cfg.RedisURL != "" {
		if client, rerr := db.NewRedisFromURL(ctx, cfg.RedisURL); rerr == nil {
			snapshots = cache.NewRedis(client)
			deployer.SetMirror(cache.NewRecords(snapshots))
		} else {
			logging.S().Warnw("redis unavailable, record mirroring disabled", "error", rerr)
		}
	}

	if _, err := deployer.Recover(ctx); err != nil {
		logging.S().Warnw("could not recover active deployments", "error", err)
	}

	return &app{
		cfg:      cfg,
		database: database,
		rt:       rt,
		engine:   engine,
		deployer: deployer,
		projects: orchestrator.NewProjectStore(database.GetDB()),
		store:    status.NewStore(database.GetDB(), cfg.WorkerID),
		cache:    snapshots,
	}, nil
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	a.rt.Close()
	a.database.Close()
}

func (a *app) deploy(ctx context.Context, path, name, owner string, useQueue bool) error {
	bundle, derivedName, err := loadBundle(path)
	if err != nil {
		return err
	}
	if name == "" {
		name = derivedName
	}

	project, err := a.projects.Create(ctx, owner, name)
	if err != nil {
		return err
	}

	if useQueue {
		q, err := queue.New(ctx, queue.Options{
			QueueURL:          a.cfg.SQSQueueURL,
			Region:            a.cfg.AWSRegion,
			EndpointURL:       a.cfg.AWSEndpointURL,
			AccessKeyID:       a.cfg.AWSAccessKeyID,
			SecretAccessKey:   a.cfg.AWSSecretAccess,
			VisibilityTimeout: a.cfg.VisibilityTimeout,
		})
		if err != nil {
			return err
		}
		manager := orchestrator.NewManager(q, a.engine, a.store)
		dep, err := manager.Submit(ctx, project, bundle)
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s queued for project %s (%s)\n", dep.ID, project.Name, project.ID)
		return nil
	}

	info, err := a.deployer.Deploy(ctx, project, bundle)
	if err != nil {
		return err
	}

	if err := a.projects.SetDetected(ctx, project.ID, string(info.Config.Type)); err != nil {
		logging.S().Warnw("could not record detected stack", "error", err)
	}
	if err := a.projects.SetURL(ctx, project.ID, info.URL); err != nil {
		logging.S().Warnw("could not record project url", "error", err)
	}

	fmt.Printf("Deployed %s (%s)\n", project.Name, string(info.Config.Type))
	fmt.Printf("  project id: %s\n", project.ID)
	fmt.Printf("  container:  %s\n", info.ContainerID)
	fmt.Printf("  url:        %s\n", info.URL)
	return nil
}

func (a *app) list() error {
	deployments := a.deployer.List()
	if len(deployments) == 0 {
		fmt.Println("no active deployments")
		return nil
	}
	for _, info := range deployments {
		fmt.Printf("%s  %-20s %-10s %s\n", info.ProjectID, info.ProjectName, info.Status, info.URL)
	}
	return nil
}

func (a *app) stop(ctx context.Context, projectID string) error {
	if err := a.deployer.Stop(ctx, projectID); err != nil {
		return err
	}
	// Containers adopted from a worker carry deployment rows; settle
	// them. Inline deployments have none and settle zero.
	if settled, err := a.store.MarkStoppedByProject(ctx, projectID); err != nil {
		logging.S().Warnw("could not settle deployment rows",
			"project_id", projectID, "error", err)
	} else if settled > 0 {
		logging.S().Infow("deployment rows settled as stopped",
			"project_id", projectID, "count", settled)
	}
	fmt.Println("stopped", projectID)
	return nil
}

func (a *app) logs(ctx context.Context, projectID string, tail int) error {
	out, err := a.deployer.Logs(ctx, projectID, tail)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func (a *app) stats(ctx context.Context, projectID string) error {
	monitor := telemetry.NewMonitor(a.rt, a.cache, a.cfg.UnitPricePerGBHour)

	sampleCtx, cancel := context.WithTimeout(ctx, a.cfg.StatsTimeout)
	defer cancel()
	report, err := monitor.Sample(sampleCtx, projectID, "")
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

// loadBundle reads a gzipped tar bundle, packing the tree first when path
// is a directory. The second return is a project name derived from the
// file system name.
func loadBundle(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}

	if info.IsDir() {
		bundle, err := archive.TarGzDir(path)
		if err != nil {
			return nil, "", err
		}
		return bundle, baseName(path), nil
	}

	bundle, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return bundle, baseName(path), nil
}

func baseName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	base = strings.TrimSuffix(base, ".tar.gz")
	base = strings.TrimSuffix(base, ".tgz")
	if base == "" || base == "." || base == string(os.PathSeparator) {
		return "project"
	}
	return base
}
