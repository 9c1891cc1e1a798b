package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hyperplane/config"
	"hyperplane/confirmation"
	"hyperplane/ig"
	"hyperplane/observability/logging"
	"hyperplane/rpc"
	"hyperplane/scheduler"
	"hyperplane/types"
	"hyperplane/vm"
)

const envVar = "HYPERPLANE_ENV"

func main() {
	configFile := flag.String("config", "", "Path to the configuration file (built-in defaults when empty)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("hyperplaned", env)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proposals := make(chan types.Proposal, cfg.ChannelBuffer)
	verdicts := make(chan types.VerdictGroup, cfg.ChannelBuffer)

	cl, err := confirmation.New(cfg.BlockInterval(), verdicts,
		confirmation.WithLogger(logger),
		confirmation.WithChannelBuffer(cfg.ChannelBuffer),
	)
	if err != nil {
		logger.Error("failed to build confirmation layer", slog.Any("error", err))
		os.Exit(1)
	}
	sched := scheduler.New(proposals, verdicts,
		scheduler.WithLogger(logger),
		scheduler.WithShutdownGrace(cfg.ShutdownGrace()),
	)

	cl.Start(ctx)
	sched.Start(ctx)

	gateways := make([]*ig.Node, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chainID := types.ChainID(chain.ID)
		subBlocks, err := cl.RegisterChain(chainID)
		if err != nil {
			logger.Error("failed to register chain", slog.String("chain", chain.ID), slog.Any("error", err))
			os.Exit(1)
		}
		gateway := ig.New(chainID, vm.New(), subBlocks, proposals,
			ig.WithLogger(logger),
			ig.WithCATLifetime(cfg.CATLifetimeBlocks),
			ig.WithAllowPendingDependencies(cfg.AllowCATPendingDependencies),
			ig.WithShutdownGrace(cfg.ShutdownGrace()),
		)
		gateway.Start(ctx)
		gateways = append(gateways, gateway)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: rpc.NewRouter(&statusSource{cl: cl, sched: sched, gateways: gateways}),
	}
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}

	cl.Shutdown()
	for _, gateway := range gateways {
		gateway.Shutdown()
	}
	sched.Shutdown()
	logger.Info("bye")
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// statusSource answers the HTTP status surface by querying the component
// nodes.
type statusSource struct {
	cl       *confirmation.Node
	sched    *scheduler.Node
	gateways []*ig.Node
}

func (s *statusSource) Report() (rpc.Report, error) {
	report := rpc.Report{Chains: make([]rpc.ChainStatus, 0, len(s.gateways))}
	for _, gateway := range s.gateways {
		status, _, err := s.chainStatus(gateway)
		if err != nil {
			return rpc.Report{}, err
		}
		report.Chains = append(report.Chains, status)
	}
	resolved, err := s.sched.ResolvedCount()
	if err != nil {
		return rpc.Report{}, err
	}
	report.ResolvedCATs = resolved
	return report, nil
}

func (s *statusSource) ChainStatus(id types.ChainID) (rpc.ChainStatus, bool, error) {
	for _, gateway := range s.gateways {
		if gateway.ChainID() != id {
			continue
		}
		return s.chainStatus(gateway)
	}
	return rpc.ChainStatus{}, false, nil
}

func (s *statusSource) chainStatus(gateway *ig.Node) (rpc.ChainStatus, bool, error) {
	height, err := gateway.CurrentHeight()
	if err != nil {
		return rpc.ChainStatus{}, false, err
	}
	pending, err := gateway.PendingCount()
	if err != nil {
		return rpc.ChainStatus{}, false, err
	}
	regular, err := gateway.StatusCounts(types.TxRegular)
	if err != nil {
		return rpc.ChainStatus{}, false, err
	}
	cats, err := gateway.StatusCounts(types.TxCATConstituent)
	if err != nil {
		return rpc.ChainStatus{}, false, err
	}
	return rpc.ChainStatus{
		ID:           gateway.ChainID(),
		Height:       height,
		PendingCount: pending,
		Regular:      rpc.KindCounts{Pending: regular.Pending, Success: regular.Success, Failure: regular.Failure},
		CATs:         rpc.KindCounts{Pending: cats.Pending, Success: cats.Success, Failure: cats.Failure},
	}, true, nil
}
