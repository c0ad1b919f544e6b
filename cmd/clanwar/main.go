package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/crystal-mush/clanwar/pkg/archive"
	"github.com/crystal-mush/clanwar/pkg/boltstore"
	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
	"github.com/crystal-mush/clanwar/pkg/history"
	"github.com/crystal-mush/clanwar/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("CLANWAR_CONF", ""), "Path to YAML config file (env: CLANWAR_CONF)")
	clanDB := flag.String("clandb", envDefault("CLANWAR_CLANDB", ""), "Path to bbolt clan directory, overrides config (env: CLANWAR_CLANDB)")
	historyDB := flag.String("historydb", envDefault("CLANWAR_HISTORYDB", ""), "Path to SQLite war history, overrides config (env: CLANWAR_HISTORYDB)")
	port := flag.Int("port", 0, "Web port, overrides config (env: CLANWAR_PORT)")
	jwtSecret := flag.String("jwt-secret", envDefault("CLANWAR_JWT_SECRET", ""), "JWT signing secret, overrides config (env: CLANWAR_JWT_SECRET)")
	debug := flag.Bool("debug", os.Getenv("CLANWAR_DEBUG") == "true", "Trace every war event (env: CLANWAR_DEBUG)")
	verify := flag.Bool("verify", false, "Check the clan directory for consistency and exit")
	repair := flag.Bool("repair", false, "With -verify, rebuild the member index from the clan rosters")
	archiveNow := flag.Bool("archive", false, "Write an archive of clans, history and config to archive_dir and exit")
	token := flag.String("token", "", "Print a bearer token for this user and exit (requires a jwt secret)")
	adminToken := flag.Bool("admin", false, "With -token, issue an admin token")
	genSecret := flag.Bool("gen-secret", false, "Print a random jwt_secret and exit")
	var addClans, addMembers listFlag
	flag.Var(&addClans, "addclan", "Create a clan as name:leader and exit (repeatable)")
	flag.Var(&addMembers, "addmember", "Add a member as clan:user and exit (repeatable)")
	flag.Parse()

	if *genSecret {
		fmt.Println(server.GenerateJWTSecret())
		return
	}

	log.Printf("Welcome to %s", server.VersionString())
	server.SetDebug(*debug)

	// Load config if specified, otherwise use defaults
	wc := server.DefaultWarConf()
	if *confFile != "" {
		var err error
		wc, err = server.LoadWarConf(*confFile)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Printf("Loaded config from %s", *confFile)
	}

	// Command-line flags override config file values
	if *port == 0 {
		if envPort := os.Getenv("CLANWAR_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*port = p
			}
		}
	}
	if *port != 0 {
		wc.WebPort = *port
	}
	if *clanDB != "" {
		wc.ClanDB = *clanDB
	}
	if *historyDB != "" {
		wc.HistoryDB = *historyDB
	}
	if *jwtSecret != "" {
		wc.JWTSecret = *jwtSecret
	}
	if v := os.Getenv("CLANWAR_FORMATS"); v != "" {
		wc.AllowedFormats = strings.Split(v, ",")
	}
	if err := wc.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if *token != "" {
		if wc.JWTSecret == "" {
			log.Fatalf("-token needs jwt_secret in config, -jwt-secret or CLANWAR_JWT_SECRET")
		}
		tok, err := server.NewAuthService(wc.JWTSecret, wc.JWTExpiry).Issue(*token, *adminToken)
		if err != nil {
			log.Fatalf("Error issuing token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	store, err := boltstore.Open(wc.ClanDB)
	if err != nil {
		log.Fatalf("Error opening clan directory: %v", err)
	}
	defer store.Close()

	if len(addClans) > 0 || len(addMembers) > 0 {
		if err := seedDirectory(store, addClans, addMembers); err != nil {
			log.Fatalf("Error updating clan directory: %v", err)
		}
		return
	}

	findings := store.Verify()
	if *verify {
		for _, f := range findings {
			fmt.Println(f)
		}
		fmt.Printf("%d finding(s)\n", len(findings))
		if *repair {
			n, err := store.Repair()
			if err != nil {
				log.Fatalf("Repair failed: %v", err)
			}
			fmt.Printf("repaired %d index entries\n", n)
		}
		return
	}
	for _, f := range findings {
		log.Printf("WARNING: clan directory: %s", f)
	}

	hist, err := history.Open(wc.HistoryDB, wc.SQLTimeout)
	if err != nil {
		log.Fatalf("Error opening war history: %v", err)
	}
	defer hist.Close()

	archiveParams := func() archive.Params {
		warCount, err := hist.Count()
		if err != nil {
			log.Printf("archive: counting wars: %v", err)
		}
		return archive.Params{
			Dir:             wc.ArchiveDir,
			Server:          server.VersionString(),
			Clans:           len(store.Clans()),
			Wars:            warCount,
			ClanSnapshot:    store.Backup,
			HistorySnapshot: hist.Backup,
			ConfPath:        *confFile,
		}
	}
	if *archiveNow {
		path, err := archive.Create(archiveParams())
		if err != nil {
			log.Fatalf("Archive failed: %v", err)
		}
		log.Printf("Archive written to %s", path)
		return
	}

	bus := events.NewBus()
	wars := clanwar.NewRegistry(store, bus, wc.Limits())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(wars, reg, time.Now())

	bus.SubscribeGlobal(hist)
	bus.SubscribeGlobal(metrics)
	bus.SubscribeGlobal(server.EventLogger{})

	web := server.NewWebServer(server.Services{
		Wars:    wars,
		Clans:   store,
		Bus:     bus,
		History: hist,
		Metrics: metrics,
	}, wc.WebConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *confFile != "" {
		if err := server.WatchConfig(ctx, *confFile, wars, nil); err != nil {
			log.Printf("WARNING: config hot reload disabled: %v", err)
		}
	}

	if wc.ArchiveInterval > 0 {
		archive.Schedule(ctx, time.Duration(wc.ArchiveInterval)*time.Minute, wc.ArchiveRetain, archiveParams)
		log.Printf("Auto-archive enabled: every %d minutes, retain %d, dir %s",
			wc.ArchiveInterval, wc.ArchiveRetain, wc.ArchiveDir)
	}

	errc := make(chan error, 1)
	go func() { errc <- web.Start() }()
	log.Printf("Serving %d clans; limits max_war_size=%d formats=%v",
		len(store.Clans()), wc.MaxWarSize, wc.AllowedFormats)

	select {
	case <-ctx.Done():
		log.Printf("Shutting down...")
	case err := <-errc:
		if err != nil {
			log.Printf("Web server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := web.Stop(shutdownCtx); err != nil {
		log.Printf("Web server shutdown: %v", err)
	}
	// Ending wars emits their summaries; history drains them on Close.
	wars.Close()
	metrics.Stop()
	log.Printf("Shutdown complete")
}
