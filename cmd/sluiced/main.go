package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"go.sluice.dev/core/httpgateway"
	mbp "go.sluice.dev/core/mainboilerplate"
	"go.sluice.dev/core/pipeline"
	transformjs "go.sluice.dev/core/pipeline/transform-js"
	"go.sluice.dev/core/scheduler"
	"go.sluice.dev/core/table"
)

const iniFilename = "sluice.ini"

// Config is the top-level configuration object of the sluice daemon.
var Config = new(struct {
	Pipeline struct {
		mbp.ServiceConfig
		Spec     string        `long:"spec" env:"SPEC" default:"pipeline.yaml" description:"Path of the pipeline specification YAML"`
		Store    string        `long:"store" env:"STORE" default:"mem" choice:"mem" choice:"sqlite" choice:"postgres" choice:"file" description:"Store backend for durable stage commits"`
		DSN      string        `long:"dsn" env:"DSN" description:"DSN of the sqlite or postgres store database"`
		Dir      string        `long:"dir" env:"DIR" default:"sluice-store" description:"Directory of file store snapshots"`
		Compress bool          `long:"compress" env:"COMPRESS" description:"Gzip-compress file store snapshots"`
		Tick     time.Duration `long:"tick" env:"TICK" default:"1s" description:"Cadence of the scheduling loop"`
		History  int           `long:"history" env:"HISTORY" default:"32" description:"Retained run records per stage"`
	} `group:"Pipeline" namespace:"pipeline" env-namespace:"PIPELINE"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveDaemon struct{}

func (serveDaemon) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
		"id":        Config.Pipeline.ProcessID(),
	}).Info("starting sluice daemon")

	var specBytes, err = os.ReadFile(Config.Pipeline.Spec)
	mbp.Must(err, "reading pipeline spec")
	spec, err := pipeline.ParsePipelineSpec(specBytes)
	mbp.Must(err, "parsing pipeline spec")

	newStore, err := buildStoreFactory()
	mbp.Must(err, "building store backend")

	p, err := pipeline.NewPipeline(spec, pipeline.BuildOptions{
		NewStore:  newStore,
		CompileJS: transformjs.Compile,
	})
	mbp.Must(err, "building pipeline")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mbp.Must(p.Recover(ctx), "recovering pipeline stores")

	var sched = scheduler.New(p, scheduler.Config{
		Tick:         Config.Pipeline.Tick,
		HistoryLimit: Config.Pipeline.History,
	})
	http.Handle("/", httpgateway.NewGateway(p, sched))

	var srv = &http.Server{Addr: Config.Pipeline.Endpoint()}
	var group, gCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return sched.Serve(gCtx) })
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gCtx.Done()
		return srv.Shutdown(context.Background())
	})

	log.WithField("endpoint", srv.Addr).Info("serving pipeline")
	mbp.Must(group.Wait(), "daemon task failed")
	log.Info("goodbye")

	return nil
}

// buildStoreFactory maps the configured store backend onto a
// pipeline.BuildOptions store constructor.
func buildStoreFactory() (func(pipeline.StageSpec, *table.Table) (pipeline.Store, error), error) {
	switch Config.Pipeline.Store {
	case "mem":
		return nil, nil

	case "sqlite", "postgres":
		var driver = "sqlite3"
		if Config.Pipeline.Store == "postgres" {
			driver = "postgres"
		}
		var db, err = sql.Open(driver, Config.Pipeline.DSN)
		if err != nil {
			return nil, err
		} else if _, err = db.Exec(pipeline.SQLSchema); err != nil {
			return nil, err
		}
		return func(spec pipeline.StageSpec, target *table.Table) (pipeline.Store, error) {
			return pipeline.NewSQLStore(db, spec.Name, target), nil
		}, nil

	case "file":
		var fs = afero.NewOsFs()
		return func(spec pipeline.StageSpec, target *table.Table) (pipeline.Store, error) {
			var dir = filepath.Join(Config.Pipeline.Dir, spec.Name)
			if err := fs.MkdirAll(dir, 0700); err != nil {
				return nil, err
			}
			var store = pipeline.NewFileStore(fs, dir, target)
			store.Compress = Config.Pipeline.Compress
			return store, nil
		}, nil

	default:
		panic("not reached")
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve a sluice pipeline", `
Serve the configured pipeline until signaled to exit (via SIGTERM or SIGINT).
The daemon recovers each stage's cursor and target table from its store,
then runs the scheduling loop and the HTTP observation gateway.
`, &serveDaemon{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
