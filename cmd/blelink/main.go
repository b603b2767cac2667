package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hanserf/blelink"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used if empty)")
	address := flag.String("device", "", "peripheral address to connect to")
	name := flag.String("name", "", "peripheral local name to connect to")
	profile := flag.String("profile", "", "built-in profile name (see -list-profiles)")
	link := flag.String("link", "", "symlink to create for the virtual COM port, e.g. /tmp/ttyBLE0")
	port := flag.String("port", "", "bridge a physical serial port instead of a pty")
	baud := flag.Int("baud", 0, "baud rate for -port")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	listProfiles := flag.Bool("list-profiles", false, "list built-in profiles and exit")
	scan := flag.Duration("scan", 0, "scan for peripherals for the given duration and exit")
	version := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	if *version {
		fmt.Println(blelink.Name, blelink.Version)
		return
	}

	cfg := blelink.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = blelink.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	// flags override the file
	if *address != "" {
		cfg.Device.Address = *address
	}
	if *name != "" {
		cfg.Device.Name = *name
	}
	if *profile != "" {
		cfg.Device.Profile = *profile
		cfg.Device.ProfileFile = ""
	}
	if *link != "" {
		cfg.Port.Link = *link
	}
	if *port != "" {
		cfg.Port.Mode = blelink.PortModeSerial
		cfg.Port.PortName = *port
	}
	if *baud != 0 {
		cfg.Port.BaudRate = *baud
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := blelink.NewLogger(cfg.Log)

	switch {
	case *listPorts:
		ports, err := blelink.AvailablePorts()
		if err != nil {
			log.Fatal().Err(err).Msg("listing ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return

	case *listProfiles:
		profiles, err := blelink.LoadProfiles()
		if err != nil {
			log.Fatal().Err(err).Msg("loading profiles")
		}
		names, _ := blelink.ProfileNames()
		for _, n := range names {
			p := profiles[n]
			fmt.Printf("%-10s %s (service %s)\n", p.Name, p.Description, p.Service)
		}
		return

	case *scan > 0:
		if err := runScan(cfg, log, *scan); err != nil {
			log.Fatal().Err(err).Msg("scan")
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bridge stopped")
	}
}

func runScan(cfg *blelink.Config, log zerolog.Logger, d time.Duration) error {
	prof, err := blelink.ResolveProfile(&cfg.Device)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	found, err := blelink.NewTinyGoCentral(log).Discover(ctx, prof)
	if err != nil {
		return err
	}
	for _, adv := range found {
		marker := " "
		if adv.HasService {
			marker = "*"
		}
		fmt.Printf("%s %s %4d %s\n", marker, adv.Address, adv.RSSI, adv.Name)
	}
	return nil
}

func run(cfg *blelink.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := &blelink.Service{
		Config:  cfg,
		Logger:  &log,
		Central: blelink.NewTinyGoCentral(log),
	}
	if err := svc.Initialize(); err != nil {
		return err
	}
	if err := svc.Open(); err != nil {
		return err
	}
	log.Info().Str("port", svc.EndpointName()).Msg("virtual COM port available")

	if cfg.Metrics.Interval > 0 {
		if err := svc.StartMetricsBroadcasting(cfg.Metrics.Interval); err != nil {
			return err
		}
		ch, err := svc.MetricsChannel()
		if err != nil {
			return err
		}
		go func() {
			for s := range ch {
				log.Debug().
					Str("health", s.HealthStatus).
					Int64("up_bytes", s.UplinkBytes).
					Int64("down_bytes", s.DownlinkBytes).
					Int64("dropped", s.DownlinkDropped).
					Msg("link stats")
			}
		}()
	}

	if cfg.Metrics.Listen != "" {
		handler, err := blelink.NewHTTPHandler(svc, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server")
				stop()
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info().Str("listen", cfg.Metrics.Listen).Msg("http endpoint up")
	}

	return svc.Run(ctx)
}
