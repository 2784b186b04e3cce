package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"election-backend/api"
	"election-backend/authority"
	"election-backend/metrics"
	"election-backend/models"
	"election-backend/registry"
	"election-backend/service"
	"election-backend/storage"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// loadElectionDefinition reads the election definition file. A missing file
// yields a definition without windows so that phases are driven by the
// administrator alone.
func loadElectionDefinition(path string) (*models.Election, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("No election definition at %v, using defaults", path)
			return &models.Election{Title: "General election"}, nil
		}
		return nil, errors.WithStack(err)
	}
	var e models.Election
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrapf(err, "decode %v", path)
	}
	return &e, nil
}

func openStore(cfg *config) (storage.Store, error) {
	switch cfg.LedgerBackend {
	case backendFile:
		return storage.NewJSONStore(cfg.DataDir)
	default:
		return storage.OpenLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	}
}

func _main() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", cfg.Version)
	log.Infof("Home dir: %v", cfg.HomeDir)
	log.Infof("Data dir: %v", cfg.DataDir)

	metrics.InitPrometheusMetrics()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	log.Infof("Ledger backend: %v", cfg.LedgerBackend)

	reg, err := registry.New(registry.Config{
		FilePath: cfg.RegistryFile,
		AutoSave: true,
	})
	if err != nil {
		store.Close()
		return err
	}

	auth, err := authority.LoadOrGenerate(cfg.AuthorityKey)
	if err != nil {
		store.Close()
		return err
	}
	log.Infof("Authority address: %v", auth.Address())

	definition, err := loadElectionDefinition(cfg.ElectionFile)
	if err != nil {
		store.Close()
		return err
	}

	exporter, err := storage.NewExporter(
		filepath.Join(cfg.DataDir, defaultExportDirname), cfg.ExportKeep)
	if err != nil {
		store.Close()
		return err
	}

	svc, err := service.NewElectionService(store, reg, auth, definition,
		service.Config{
			TallyCacheSize: cfg.TallyCache,
			Exporter:       exporter,
		})
	if err != nil {
		store.Close()
		return err
	}
	defer svc.Close()

	election := svc.Election()
	log.Infof("Election %v (%v), phase %v", election.ID, election.Title,
		election.Phase)

	queue := service.NewQueueProcessor(svc, cfg.Workers, cfg.QueueSize)
	queue.Start()
	defer queue.Stop()

	if cfg.AutoAdvance {
		scheduler, err := service.NewScheduler(svc, cfg.AdvanceInterval)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Infof("Phase auto advance every %v", cfg.AdvanceInterval)
	}

	var accessLog io.Writer
	if cfg.AccessLog {
		r, err := rotator.New(filepath.Join(cfg.LogDir,
			defaultAccessLogFilename), 10*1024, false, 3)
		if err != nil {
			return errors.Wrap(err, "access log")
		}
		defer r.Close()
		accessLog = r
	}

	server := api.NewServer(svc, queue, api.Config{
		AdminUser:      cfg.AdminUser,
		AdminPass:      cfg.AdminPass,
		AccessLog:      accessLog,
		AllowedOrigins: cfg.CORSOrigins,
		Metrics:        true,
	})
	handler := server.Handler()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, listen := range cfg.Listeners {
		srv := &http.Server{
			Addr:              listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Infof("Listen: %v", srv.Addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Infof("Caught interrupt signal, shutting down")
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
