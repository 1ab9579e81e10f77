package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thaliproject/thali-go/beacon"
	"github.com/thaliproject/thali-go/config"
	"github.com/thaliproject/thali-go/manager"
	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/notify"
	"github.com/thaliproject/thali-go/pool"
	"github.com/thaliproject/thali-go/registry"
	"github.com/thaliproject/thali-go/transport"
	"github.com/thaliproject/thali-go/transport/wifi"
)

var (
	serveConfigPath string
	servePeerID     string
	serveKeyPath    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Thali discovery/beacon/replication daemon until terminated",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a YAML config file (defaults baked in if omitted)")
	serveCmd.Flags().StringVar(&servePeerID, "peer-id", "", "this node's advertised peer identifier")
	serveCmd.Flags().StringVar(&serveKeyPath, "key", "", "path to this node's ECDH private key, written by `thalid keygen --out`")
	serveCmd.MarkFlagRequired("peer-id")
	serveCmd.MarkFlagRequired("key")
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ConfigureVerbosity()

	cfg := config.Default()
	if serveConfigPath != "" {
		loaded, err := config.ReadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	keyBytes, err := os.ReadFile(serveKeyPath)
	if err != nil {
		return err
	}
	local, err := beacon.ECDHKeyPairFromPrivateBytes(keyBytes)
	if err != nil {
		return err
	}

	codec := beacon.NewCodec()
	if cfg.BeaconCipher == "ctr" {
		codec = &beacon.Codec{Cipher: beacon.AESCTRCipher{}}
	}

	m := metrics.New()
	go m.ReportEvery(10*time.Second, nil)

	workerPool := pool.New(cfg.PoolWorkers, cfg.PoolQueueSize, pool.NewBackoffPolicy())
	workerPool.Metrics = m
	workerPool.Start()
	defer workerPool.Stop()

	sender := notify.NewSender(local, codec)

	var mgr *manager.Manager
	thresholds := registry.Thresholds{
		TCPPeerUnavailability:    cfg.TCPPeerUnavailabilityThreshold,
		NonTCPPeerUnavailability: cfg.NonTCPPeerUnavailabilityThreshold,
		UpdateWindowsForeground:  cfg.UpdateWindowsForegroundMS,
	}
	reg := registry.New(thresholds, func(status transport.PeerStatus, info transport.HostInfo) {
		mgr.DispatchPeerStatus(status, info)
	}, nil)
	reg.Metrics = m
	go reg.Run()
	defer reg.Stop()

	go func() {
		extra := map[string]http.Handler{
			"/debug/peers": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				reg.DumpTable(w)
			}),
		}
		if err := m.ListenAndServe(cfg.MetricsAddr, extra); err != nil {
			log.WithError(err).Warn("metrics listener exited")
		}
	}()

	mgr = manager.New(manager.Dependencies{
		Local:          local,
		Codec:          codec,
		PeerIdentifier: servePeerID,
		Registry:       reg,
		Pool:           workerPool,
		Sender:         sender,
		LocalSeqPrefix: cfg.LocalSeqPointPrefix,
		Metrics:        m,
		WifiConfig: wifi.Config{
			PeerIdentifier:        servePeerID,
			Generation:            func() uint32 { return 0 },
			AdvertisementInterval: int(cfg.SSDPAdvertisementInterval.Seconds()),
			Location:              "http://0.0.0.0" + cfg.ListenAddr + "/",
			Server:                "thalid",
		},
	})

	router, err := mgr.Start(nil, int64(cfg.BeaconMillisecondsToExpire.Seconds()))
	if err != nil {
		return err
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("thalid: http server exited")
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("thalid: sd_notify unavailable, continuing without it")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("thalid: shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	_ = server.Close()
	return mgr.Stop()
}
