package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/objstore/app/config"
	"github.com/umputun/objstore/app/coordinator"
	"github.com/umputun/objstore/app/factory"
	"github.com/umputun/objstore/app/model"
	"github.com/umputun/objstore/app/observe"
	"github.com/umputun/objstore/app/pipeline"
	"github.com/umputun/objstore/app/resumer"
	"github.com/umputun/objstore/app/store"
)

var opts struct {
	Config string        `short:"c" long:"config" env:"OBJSTORE_CONFIG" description:"yaml config file, overrides store options"`
	Cycles []int         `long:"cycle" env:"OBJSTORE_CYCLES" env-delim:"," default:"1000" default:"10000" default:"20000" default:"50000" default:"2000" default:"1000" description:"records saved per delete-all and save cycle"`
	Items  int           `long:"items" env:"OBJSTORE_ITEMS" default:"3" description:"items per record"`
	Delay  time.Duration `long:"delay" env:"OBJSTORE_DELAY" default:"1ms" description:"completion delivery delay"`
	Resume string        `short:"r" long:"resume" env:"OBJSTORE_RESUME" description:"location of unfinished task files"`
	Dbg    bool          `long:"dbg" env:"OBJSTORE_DEBUG" description:"debug mode"`

	Store struct {
		Dir               string `long:"dir" env:"DIR" description:"store directory"`
		Filename          string `long:"file" env:"FILE" default:"demo" description:"store file name"`
		InMemory          string `long:"in-memory" env:"IN_MEMORY" description:"in-memory store identifier"`
		EncryptionKey     string `long:"key" env:"KEY" description:"hex encoded 64-byte encryption key"`
		FilesizeToCompact int    `long:"compact" env:"COMPACT" default:"0" description:"compact store larger than this many MiB, 0 disables"`
		SchemaVersion     uint64 `long:"schema-version" env:"SCHEMA_VERSION" default:"1" description:"schema version"`
		DeleteIfMigration bool   `long:"delete-if-migration" env:"DELETE_IF_MIGRATION" description:"recreate store on schema change"`
	} `group:"store" namespace:"store" env-namespace:"OBJSTORE_STORE"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"objstore.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MiB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"OBJSTORE_LOG"`
}

var revision = "unknown"

// entry is the business model of the demo, persisted as model.Record
type entry struct {
	ID    int
	Value string
	Items []string
}

func (e entry) EntityID() string { return strconv.Itoa(e.ID) }

var entryMapper = store.MapperFunc[entry, *model.Record]{
	Business: func(p *model.Record) entry {
		res := entry{ID: p.ID, Value: p.Value}
		for _, it := range p.Items {
			res.Items = append(res.Items, it.Value)
		}
		return res
	},
	Persisted: func(e entry) *model.Record {
		res := &model.Record{ID: e.ID, Value: e.Value, Note: &model.Note{Text: "entry " + e.EntityID()}}
		for i, v := range e.Items {
			res.Items = append(res.Items, &model.Item{ID: itemID(e.ID, i), Value: v})
		}
		return res
	},
}

// itemID makes unique item id from record id and item position, pairing both into one number
func itemID(record, pos int) int {
	sum := record + pos
	return sum*(sum+1)/2 + pos
}

func main() {
	fmt.Printf("objstore %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := makeConfig()
	if err != nil {
		return fmt.Errorf("can't make config: %w", err)
	}
	log.Printf("[INFO] store %s", cfg.Identity())

	fct := factory.New(cfg)
	defer func() {
		if err := fct.Close(); err != nil {
			log.Printf("[WARN] can't close store, %v", err)
		}
	}()
	coord := coordinator.New(fct, coordinator.WithDelay(opts.Delay))
	defer coord.Close()

	st := store.New[entry, *model.Record](fct, coord, entryMapper)
	registry := observe.NewRegistry()
	defer registry.InvalidateAll()
	if opts.Dbg { // observer re-reads all entries after each commit
		tok, err := st.Observe(ctx, observe.ResultsHandlers[entry]{
			OnUpdate: func(items []entry, deletions, insertions, modifications []int) {
				log.Printf("[DEBUG] observed %d entries, -%d +%d ~%d", len(items), len(deletions), len(insertions), len(modifications))
			},
		})
		if err != nil {
			return fmt.Errorf("can't observe entries: %w", err)
		}
		registry.Set("entries", tok)
	}

	rsm := resumer.New(opts.Resume, opts.Resume != "")
	for _, t := range rsm.List() {
		log.Printf("[WARN] task %q was not finished by previous run", t.Name)
		if err := rsm.OnFinish(t.Fname); err != nil {
			log.Printf("[WARN] can't remove %s, %v", t.Fname, err)
		}
	}

	p := pipeline.New().Track(rsm)
	for i, n := range opts.Cycles {
		p.Add(cycleTasks(st, i, n, opts.Items)...)
	}
	done, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("pipeline stopped after %d of %d tasks: %w", done, p.Len(), err)
	}

	all, err := st.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("can't fetch entries: %w", err)
	}
	log.Printf("[INFO] completed %d tasks, %d entries stored", done, len(all))
	return nil
}

// cycleTasks makes delete-all and save tasks of one cycle
func cycleTasks(st *store.Store[entry, *model.Record], cycle, count, items int) []pipeline.Task {
	wipe := pipeline.Task{
		Name: fmt.Sprintf("cycle %d, delete all", cycle),
		Run:  func(done func(error)) { st.DeleteAll(done) },
	}
	save := pipeline.Task{
		Name: fmt.Sprintf("cycle %d, save %d", cycle, count),
		Run: func(done func(error)) {
			st.Save(makeEntries(count, items), true, func(res []entry, err error) {
				if err == nil && len(res) != count {
					err = fmt.Errorf("saved %d of %d entries", len(res), count)
				}
				done(err)
			})
		},
	}
	return []pipeline.Task{wipe, save}
}

func makeEntries(count, items int) []entry {
	res := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		e := entry{ID: i + 1, Value: uuid.NewString()}
		for j := 0; j < items; j++ {
			e.Items = append(e.Items, fmt.Sprintf("item %d of %d", j+1, i+1))
		}
		res = append(res, e)
	}
	return res
}

func makeConfig() (config.Config, error) {
	if opts.Config != "" {
		return config.Load(opts.Config, model.Types()...)
	}

	options := []config.Option{
		config.WithObjects(model.Types()...),
		config.WithFilename(opts.Store.Filename),
		config.WithInMemoryIdentifier(opts.Store.InMemory),
		config.WithSchemaVersion(opts.Store.SchemaVersion),
		config.WithDeleteIfMigrationNeeded(opts.Store.DeleteIfMigration),
	}
	if opts.Store.Dir != "" {
		options = append(options, config.WithDir(opts.Store.Dir))
	}
	if opts.Store.FilesizeToCompact > 0 {
		options = append(options, config.WithFilesizeToCompact(opts.Store.FilesizeToCompact))
	}
	if opts.Store.EncryptionKey != "" {
		key, err := hex.DecodeString(opts.Store.EncryptionKey)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid encryption key: %w", err)
		}
		options = append(options, config.WithEncryptionKey(key))
	}

	cfg := config.New(options...)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogs configures lgr and returns the writer it logs to
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
