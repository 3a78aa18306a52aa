package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/EnMasseProject/enmasse-sub000/internal/addresswatcher"
	"github.com/EnMasseProject/enmasse-sub000/internal/coordinator"
	"github.com/EnMasseProject/enmasse-sub000/internal/dialer"
	"github.com/EnMasseProject/enmasse-sub000/internal/hcserver"
	"github.com/EnMasseProject/enmasse-sub000/internal/memberlist"
	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
	"github.com/EnMasseProject/enmasse-sub000/internal/notifyer"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID       string `envconfig:"RAGENT_ID,optional"`
	Hostname     string `envconfig:"HOSTNAME,optional"`
	AddressSpace string `envconfig:"ADDRESS_SPACE,optional"`
	LoggerLevel  string `envconfig:"LOGGER_LEVEL,default=warn"`

	RecheckInterval time.Duration `envconfig:"CONNECTIVITY_RECHECK_INTERVAL,default=30s"`
	ProbePort       int           `envconfig:"PROBE_PORT,default=8080"`
	GossipJoinDelay time.Duration `envconfig:"GOSSIP_JOIN_DELAY,default=1s"`
}

// nodeName picks the first configured identity, falling back to a random one.
func (c Config) nodeName() (string, error) {
	switch {
	case c.NodeID != "":
		return c.NodeID, nil
	case c.Hostname != "":
		return c.Hostname, nil
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate node id: %w", err)
	}
	return id, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	nodeID, err := appCfg.nodeName()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to choose node id")
	}
	log.Warn().Msgf("running router agent %s", nodeID)

	metricsCfg := metrics.Config{}
	err = envconfig.Init(&metricsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read metrics config")
	}
	var m metrics.Metrics = metrics.Noop{}
	if metricsCfg.Addr != "" {
		statsd, err := metrics.NewStatsd(nodeID, appCfg.AddressSpace, metricsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init statsd")
		}
		defer statsd.Close()
		m = statsd
	}

	membershipEventsChan := make(chan models.MemberShipEvent, 256)
	cord := coordinator.NewCoordinator(coordinator.Config{
		NodeID:          models.NodeID(nodeID),
		RecheckInterval: appCfg.RecheckInterval,
	}, membershipEventsChan, m)

	notifyer := notifyer.NewNotifier(1024)
	defer notifyer.Close()
	go cord.RunEventLoop(ctx, notifyer.GetEventChan())
	go cord.StartHandleMembershipChanges(ctx)

	memberListCfg := memberlist.Config{}
	err = envconfig.Init(&memberListCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read memberlist config")
	}
	memberListCfg.NodeName = nodeID
	memberList, err := memberlist.New(ctx, memberListCfg, cord, membershipEventsChan, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init memberlist")
	}
	cord.Subscribe("gossip", memberList)

	dialerCfg := dialer.Config{}
	err = envconfig.Init(&dialerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read router dialer config")
	}
	routerDialer := dialer.New(dialerCfg, dialer.AMQPDialFunc(nodeID, dialerCfg), cord, notifyer, m)
	go func() {
		err := routerDialer.Run(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to run router dialer")
		}
	}()

	watcherCfg := addresswatcher.Config{}
	err = envconfig.Init(&watcherCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read address watcher config")
	}
	if watcherCfg.QueueAddr != "" {
		w := addresswatcher.NewAddressWatcher(watcherCfg, cord)
		defer w.Close()
		go func() {
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Fatal().Err(err).Msg("failed to consume desired addresses")
			}
		}()
	} else {
		log.Warn().Msg("no address queue configured, desired addresses stay empty")
		cord.SyncAddresses(ctx, nil)
	}

	srv := hcserver.NewServer(cord)
	serverClose := srv.Start(fmt.Sprintf("0.0.0.0:%d", appCfg.ProbePort))
	defer serverClose()

	select {
	case <-ctx.Done():
	case <-time.After(appCfg.GossipJoinDelay):
		err := memberList.Join(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to join gossip cluster")
		}
		log.Info().Msgf("successfully joined gossip cluster, members %v", memberList.Members())
		srv.SetReady(true)
	}

	<-ctx.Done()
	srv.SetReady(false)
	err = memberList.GracefullyClose(time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("failed to leave gossip cluster")
	}
}
