// Command server runs the reliable-transport protocol's responder side:
// it binds a listener, accepts client connections, and drives each
// through the handshake and the reliable-transport engine.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarkalabs/reliabletransport/internal/config"
	"github.com/tarkalabs/reliabletransport/internal/endpoint"
	"github.com/tarkalabs/reliabletransport/internal/logging"
	"github.com/tarkalabs/reliabletransport/internal/metrics"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind address")
	port := flag.Int("port", 9000, "bind port")
	windowSize := flag.Int("window", 5, "sliding window size (1-5)")
	mode := flag.String("mode", "GO_BACK_N", "GO_BACK_N or SELECTIVE_REPEAT")
	maxMessageSize := flag.Int("max-size", endpoint.DefaultMaxMessageSize, "max application message size")
	lossProb := flag.Float64("loss-prob", 0, "simulated receive-side packet loss probability")
	statsInterval := flag.Int("stats-interval", 30, "seconds between automatic stats dumps, 0 disables")
	configPath := flag.String("config", "", "optional TOML config file")
	metricsAddr := flag.String("metrics-addr", "", "optional host:port to serve Prometheus /metrics on")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	log := logging.New("server-main")

	if *configPath != "" {
		cf, err := config.LoadServer(*configPath)
		if err != nil {
			log.Fatal("failed to load config", "err", err)
		}
		// Flags given on the command line win over the file's values.
		explicit := map[string]string{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		applyServerConfig(cf, host, port, windowSize, mode, maxMessageSize, lossProb, statsInterval, metricsAddr)
		for name, value := range explicit {
			flag.Set(name, value)
		}
	}

	srv, err := endpoint.Listen(fmt.Sprintf("%s:%d", *host, *port), endpoint.ServerConfig{
		WindowSize:            *windowSize,
		Mode:                  wire.OperationMode(*mode),
		MaxMessageSize:        *maxMessageSize,
		PacketLossProbability: *lossProb,
	})
	if err != nil {
		log.Fatal("listen failed", "err", err)
	}

	var observer *metrics.Observer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		observer = metrics.NewObserver(metrics.NewCollectors(reg, "server"))
		go func() {
			if err := metrics.Serve(*metricsAddr, reg); err != nil {
				log.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	srv.OnMessage = func(peerID, message string) {
		fmt.Printf("[%s] %s\n", peerID, message)
	}

	log.Info("listening", "addr", srv.Addr().String(), "window", *windowSize, "mode", *mode)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	stop := make(chan struct{})
	if *statsInterval > 0 {
		go dumpStatsPeriodically(srv, observer, time.Duration(*statsInterval)*time.Second, stop)
	}

	go runServerREPL(srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "err", err)
			close(stop)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	}

	close(stop)
	srv.Stop()
	log.Info("shutdown complete")
}

func applyServerConfig(cf config.ServerFile, host *string, port, windowSize *int, mode *string, maxMessageSize *int, lossProb *float64, statsInterval *int, metricsAddr *string) {
	if cf.Host != "" {
		*host = cf.Host
	}
	if cf.Port != 0 {
		*port = cf.Port
	}
	if cf.WindowSize != 0 {
		*windowSize = cf.WindowSize
	}
	if cf.Mode != "" {
		*mode = cf.Mode
	}
	if cf.MaxMessageSize != 0 {
		*maxMessageSize = cf.MaxMessageSize
	}
	if cf.PacketLossProbability != 0 {
		*lossProb = cf.PacketLossProbability
	}
	if cf.StatsIntervalSeconds != 0 {
		*statsInterval = cf.StatsIntervalSeconds
	}
	if cf.MetricsAddr != "" {
		*metricsAddr = cf.MetricsAddr
	}
}

func dumpStatsPeriodically(srv *endpoint.Server, observer *metrics.Observer, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			peers := srv.Peers()
			fmt.Printf("--- stats dump (%d peers) ---\n", len(peers))
			for _, p := range peers {
				if e := p.Engine(); e != nil {
					s := e.Stats()
					fmt.Printf("  %s sent=%d recv=%d retrans=%d errors=%d dupes=%d pending=%d window=%d\n",
						p.ID.String(), s.PacketsSent, s.PacketsReceived, s.Retransmissions, s.ErrorsDetected, s.DuplicatePackets, s.Pending, s.WindowSize)
					if observer != nil {
						observer.Observe(s)
					}
				}
			}
		}
	}
}

func runServerREPL(srv *endpoint.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "stats":
			cfg := srv.Config()
			fmt.Printf("clients=%d window=%d mode=%s loss_prob=%.3f\n", len(srv.Peers()), cfg.WindowSize, cfg.Mode, cfg.PacketLossProbability)
		case "clients":
			for _, p := range srv.Peers() {
				fmt.Printf("%s  %s  handshake=%v\n", p.ID.String(), p.Address, p.HandshakeCompleted())
			}
		case "config":
			cfg := srv.Config()
			fmt.Printf("%+v\n", cfg)
		case "error":
			if len(fields) < 2 {
				fmt.Println("usage: error <prob>")
				continue
			}
			p, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				fmt.Println("invalid probability:", err)
				continue
			}
			srv.SetPacketLossProbability(p)
		case "window":
			if len(fields) < 2 {
				fmt.Println("usage: window <1..5>")
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("invalid window:", err)
				continue
			}
			srv.SetWindowSize(n)
		case "mode":
			if len(fields) < 2 {
				fmt.Println("usage: mode <GO_BACK_N|SELECTIVE_REPEAT>")
				continue
			}
			srv.SetMode(wire.OperationMode(strings.ToUpper(fields[1])))
		case "quit":
			srv.Stop()
			os.Exit(0)
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
