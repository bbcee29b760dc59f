package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/livekit/protocol/logger"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/videobridge/bridge-server/pkg/bridge"
	"github.com/videobridge/bridge-server/pkg/conference/transport"
	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/config"
	serverlogger "github.com/videobridge/bridge-server/pkg/logger"
	"github.com/videobridge/bridge-server/pkg/media"
	"github.com/videobridge/bridge-server/pkg/recording"
	"github.com/videobridge/bridge-server/pkg/service"
	"github.com/videobridge/bridge-server/pkg/telemetry/prometheus"
	"github.com/videobridge/bridge-server/pkg/utils"
	"github.com/videobridge/bridge-server/version"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to bridge config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "bridge config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"BRIDGE_CONFIG"},
	},
	&cli.UintFlag{
		Name:  "port",
		Usage: "port for the HTTP signaling interface",
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "recording-dir",
		Usage: "enables recording into the given base directory",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter. insecure for production",
	},
}

func main() {
	app := &cli.App{
		Name:        "bridge-server",
		Usage:       "Conference bridge control plane",
		Description: "run without subcommands to start the server",
		Flags:       baseFlags,
		Action:      startServer,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return nil, err
	}

	if conf.Development {
		serverlogger.InitDevelopment(conf.LogLevel)
	} else {
		serverlogger.InitProduction(conf.LogLevel)
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	nodeID := utils.NewGuid("ND-")
	prometheus.Init(nodeID)

	var events *bridge.EventPublisher
	if conf.HasNats() {
		events, err = bridge.NewEventPublisher(conf.Nats.Url, conf.Nats.Token, logger.GetLogger())
		if err != nil {
			return err
		}
	}

	var announcer bridge.RecordingAnnouncer
	if conf.HasRedis() {
		rc := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Address,
			Username: conf.Redis.Username,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		if a := recording.NewAnnouncer(rc); a != nil {
			announcer = a
		}
	}

	mediaLayer := media.NewLayer(media.LayerParams{
		Logger: logger.GetLogger(),
	})

	b, err := bridge.NewBridge(bridge.BridgeParams{
		NodeID: nodeID,
		Config: conf,
		Factories: bridge.ConferenceFactories{
			NewSpeechActivity: mediaLayer.NewSpeechActivity,
			NewEndpoint:       mediaLayer.NewEndpoint,
			NewContent:        mediaLayer.NewContent,
			NewTransportManager: func(conferenceID, bundleID string) (types.TransportManager, error) {
				return transport.NewManager(transport.ManagerParams{
					BundleID:       bundleID,
					PortRangeStart: conf.RTC.PortRangeStart,
					PortRangeEnd:   conf.RTC.PortRangeEnd,
					STUNServers:    conf.RTC.STUNServers,
					LoggerFactory:  serverlogger.LoggerFactory(),
					Logger:         logger.GetLogger(),
				})
			},
			ReleaseConference: mediaLayer.ReleaseConference,
		},
		Events:    events,
		Announcer: announcer,
		Logger:    logger.GetLogger(),
	})
	if err != nil {
		return err
	}

	server := service.NewBridgeServer(conf, b)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}
