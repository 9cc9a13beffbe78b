// Command client runs the reliable-transport protocol's initiator side:
// it connects to a server, negotiates the handshake, and offers an
// interactive shell for sending application messages.
package main

import (
	"bufio"
	"context"
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
	"github.com/tarkalabs/reliabletransport/internal/faultinject"
	"github.com/tarkalabs/reliabletransport/internal/logging"
	"github.com/tarkalabs/reliabletransport/internal/metrics"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 9000, "server port")
	maxMessageSize := flag.Int("max-size", endpoint.DefaultMaxMessageSize, "max application message size")
	mode := flag.String("mode", "GO_BACK_N", "GO_BACK_N or SELECTIVE_REPEAT")
	encrypt := flag.Bool("encrypt", false, "negotiate end-to-end encryption")
	errorSim := flag.Bool("error-sim", false, "enable probabilistic fault injection")
	errorType := flag.String("error-type", "random", "random, bit_flip, or character_change")
	errorProb := flag.Float64("error-prob", 0.1, "probabilistic corruption probability")
	chunkSize := flag.Int("chunk-size", endpoint.DefaultPacketCap, "packet payload size, 1-4")
	paceMs := flag.Int("pace-ms", 100, "inter-packet pacing delay in ms, 0 disables")
	configPath := flag.String("config", "", "optional TOML config file")
	metricsAddr := flag.String("metrics-addr", "", "optional host:port to serve Prometheus /metrics on")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	log := logging.New("client-main")

	if *configPath != "" {
		cf, err := config.LoadClient(*configPath)
		if err != nil {
			log.Fatal("failed to load config", "err", err)
		}
		// Flags given on the command line win over the file's values.
		explicit := map[string]string{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		applyClientConfig(cf, host, port, maxMessageSize, mode, encrypt, errorSim, errorType, errorProb, chunkSize, paceMs, metricsAddr)
		for name, value := range explicit {
			flag.Set(name, value)
		}
	}

	if args := flag.Args(); len(args) >= 1 {
		*host = args[0]
	}
	if args := flag.Args(); len(args) >= 2 {
		if p, err := strconv.Atoi(args[1]); err == nil {
			*port = p
		}
	}

	injector := faultinject.New(faultinject.Strategy(*errorType), *errorProb)
	injector.SetEnabled(*errorSim)

	addr := fmt.Sprintf("%s:%d", *host, *port)
	client, err := endpoint.Dial(addr, endpoint.ClientConfig{
		MaxMessageSize: *maxMessageSize,
		Mode:           wire.OperationMode(*mode),
		Encrypt:        *encrypt,
		ChunkSize:      *chunkSize,
		PaceDelay:      time.Duration(*paceMs) * time.Millisecond,
		Injector:       injector,
		Deliver: func(message string) {
			fmt.Printf("< %s\n", message)
		},
	})
	if err != nil {
		log.Fatal("dial failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), endpoint.HandshakeTimeout)
	err = client.Handshake(ctx)
	cancel()
	if err != nil {
		log.Fatal("handshake failed", "err", err)
	}
	log.Info("connected", "addr", addr)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		observer := metrics.NewObserver(metrics.NewCollectors(reg, "client"))
		go func() {
			if err := metrics.Serve(*metricsAddr, reg); err != nil {
				log.Warn("metrics server stopped", "err", err)
			}
		}()
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				observer.Observe(client.Stats())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received signal, disconnecting")
		client.Close()
		os.Exit(0)
	}()

	runClientREPL(client, injector)
	client.Close()
}

func applyClientConfig(cf config.ClientFile, host *string, port, maxMessageSize *int, mode *string, encrypt, errorSim *bool, errorType *string, errorProb *float64, chunkSize, paceMs *int, metricsAddr *string) {
	if cf.Host != "" {
		*host = cf.Host
	}
	if cf.Port != 0 {
		*port = cf.Port
	}
	if cf.MaxMessageSize != 0 {
		*maxMessageSize = cf.MaxMessageSize
	}
	if cf.Mode != "" {
		*mode = cf.Mode
	}
	*encrypt = *encrypt || cf.Encrypt
	*errorSim = *errorSim || cf.ErrorSim
	if cf.ErrorType != "" {
		*errorType = cf.ErrorType
	}
	if cf.ErrorProbability != 0 {
		*errorProb = cf.ErrorProbability
	}
	if cf.ChunkSize != 0 {
		*chunkSize = cf.ChunkSize
	}
	if cf.PaceMilliseconds != 0 {
		*paceMs = cf.PaceMilliseconds
	}
	if cf.MetricsAddr != "" {
		*metricsAddr = cf.MetricsAddr
	}
}

func runClientREPL(client *endpoint.Client, injector *faultinject.Injector) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "stats":
			s := client.Stats()
			fmt.Printf("sent=%d recv=%d retrans=%d errors=%d dupes=%d pending=%d window=%d mode=%s errors_introduced=%d\n",
				s.PacketsSent, s.PacketsReceived, s.Retransmissions, s.ErrorsDetected, s.DuplicatePackets, s.Pending, s.WindowSize, s.Mode, injector.ErrorsIntroduced())
		case line == "error on":
			injector.SetEnabled(true)
		case line == "error off":
			injector.SetEnabled(false)
		case strings.HasPrefix(line, "error-plan "):
			handleErrorPlan(injector, strings.TrimPrefix(line, "error-plan "))
		case line == "quit":
			return
		default:
			if err := client.SendMessage(line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
}

// handleErrorPlan parses "i,j,k [char=N] [type=T]" into a deterministic
// fault-injection plan.
func handleErrorPlan(injector *faultinject.Injector, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fmt.Println("usage: error-plan <i,j,k> [char=N] [type=T]")
		return
	}

	var indices []int
	for _, s := range strings.Split(fields[0], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			fmt.Println("invalid packet index:", s)
			return
		}
		indices = append(indices, n)
	}

	charIndex := 0
	var strategy faultinject.Strategy
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "char="):
			if n, err := strconv.Atoi(strings.TrimPrefix(f, "char=")); err == nil {
				charIndex = n
			}
		case strings.HasPrefix(f, "type="):
			strategy = faultinject.Strategy(strings.TrimPrefix(f, "type="))
		}
	}

	injector.Deterministic(indices, charIndex, strategy)
	fmt.Printf("deterministic plan installed: packets=%v char=%d type=%s\n", indices, charIndex, strategy)
}
