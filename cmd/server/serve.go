package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/medconsent/internal/adapters"
	"github.com/and161185/medconsent/internal/blob"
	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/config"
	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/metrics"
	grpcserver "github.com/and161185/medconsent/internal/server/grpc"
	httpserver "github.com/and161185/medconsent/internal/server/http"
	"github.com/and161185/medconsent/internal/service"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, gRPC health endpoint and grant sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, seed)
		},
	}
	cmd.Flags().StringVar(&seed, "seed-patients", "", "JSON file of patient profiles to upsert on start")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, seed string) error {
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
	)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	if seed != "" {
		n, err := seedPatients(ctx, seed, st.patients)
		if err != nil {
			return err
		}
		log.Info("patients seeded", zap.Int("count", n))
	}

	m := metrics.New()
	grants := newGrantService(cfg, st, log, m)

	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		return err
	}

	ads, err := newAdapters(cfg, log, m)
	if err != nil {
		return err
	}

	ingest := service.NewIngestService(service.IngestDeps{
		Records:   st.records,
		Summaries: st.summaries,
		Patients:  st.patients,
		Access:    grants,
		Blobs:     blobs,
		Signer:    blob.NewSigner([]byte(cfg.Links.SigningKey), nil),
		Extractor: ads.extractor,
		Digester:  ads.digester,
		Profiler:  ads.profiler,
		Clock:     clock.Real{},
		Log:       log.Named("ingest"),
		Metrics:   m,
		MaxUpload: cfg.Storage.MaxUploadBytes(),
		LinkTTL:   cfg.Links.TTL,
	})

	verifier := identity.NewVerifier([]byte(cfg.Auth.SigningKey), cfg.Auth.Leeway, nil)

	httpSrv := httpserver.New(cfg.HTTP.Addr, httpserver.Deps{
		Grants:   grants,
		Ingest:   ingest,
		Verifier: verifier,
		Clock:    clock.Real{},
		Log:      log.Named("http"),
		Metrics:  m,
		Ready:    st.ready,
		MaxBody:  cfg.Storage.MaxUploadBytes(),
	})

	grpcSrv, err := grpcserver.New(grpcserver.Options{
		Verifier:   verifier,
		Ready:      st.ready,
		CheckEvery: cfg.GRPC.CheckEvery,
		TLSCert:    cfg.GRPC.TLSCert,
		TLSKey:     cfg.GRPC.TLSKey,
		Reflection: cfg.GRPC.Reflection,
		Log:        log.Named("grpc"),
	})
	if err != nil {
		return err
	}

	sweeper := service.NewSweeper(grants, cfg.Grants.SweepInterval, log.Named("sweeper"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return grpcSrv.ListenAndServe(gctx, cfg.GRPC.Addr) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()
	if err != nil {
		log.Error("server error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

type adapterSet struct {
	extractor adapters.Extractor
	digester  adapters.Digester
	profiler  adapters.Profiler
}

// newAdapters builds the model-backed adapters behind a timeout guard. Without
// an agent config extraction and digest fail every call and no profile summary is seeded.
func newAdapters(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (adapterSet, error) {
	guard := adapters.Guard{Timeout: cfg.Agent.Timeout, Log: log.Named("adapters"), Observe: m.ObserveAdapter}
	if cfg.Agent.ConfigPath == "" {
		log.Warn("agent.config_path not set; image records will be marked failed")
		ext, dig := adapters.Unconfigured()
		return adapterSet{extractor: guard.Extractor(ext), digester: guard.Digester(dig)}, nil
	}
	acfg, err := adapters.LoadAgentConfig(cfg.Agent.ConfigPath)
	if err != nil {
		return adapterSet{}, err
	}
	model, err := adapters.NewAgentModel(acfg)
	if err != nil {
		return adapterSet{}, err
	}
	dig := adapters.NewAgentDigester(model)
	return adapterSet{
		extractor: guard.Extractor(adapters.NewAgentExtractor(model)),
		digester:  guard.Digester(dig),
		profiler:  guard.Profiler(dig),
	}, nil
}

// openBlobs opens the document store, sealed when storage.encryption_key is set.
func openBlobs(ctx context.Context, cfg *config.Config, log *zap.Logger) (blob.Store, error) {
	key := cfg.Storage.EncryptionKey
	limit := cfg.Storage.MaxUploadBytes()
	if key != "" {
		limit += blob.SealOverhead
	}
	fs, err := blob.NewFSStore(cfg.Storage.BasePath, limit, log.Named("blob"))
	if err != nil {
		return nil, err
	}
	if key == "" {
		log.Warn("storage.encryption_key not set; documents are stored unencrypted")
		return fs, nil
	}
	return blob.NewSealed(ctx, fs, []byte(key))
}
