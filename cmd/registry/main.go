package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/kennethnrk/sqlml/internal/logger"
	"github.com/kennethnrk/sqlml/internal/metrics"
	grpcregistry "github.com/kennethnrk/sqlml/internal/registry/api"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg)
	metrics.Init(cfg)

	log.Info().Str("dir", cfg.StoreDataDir).Msg("Initializing data store")
	st, err := store.New(cfg.StoreDataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store")
	}
	defer st.Close()

	lis, err := net.Listen("tcp", cfg.RegistryGrpcAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RegistryGrpcAddr).Msg("failed to listen")
	}

	s := grpc.NewServer()
	grpcregistry.RegisterServices(s, st)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Info().Str("signal", sig.String()).Msg("shutting down registry")
		s.GracefulStop()
	}()

	log.Info().Str("addr", cfg.RegistryGrpcAddr).Msg("registry gRPC server listening")
	if err := s.Serve(lis); err != nil {
		log.Error().Err(err).Msg("gRPC server stopped")
	}
}
