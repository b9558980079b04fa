package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/useid/eid-agent/internal/api"
	"github.com/useid/eid-agent/internal/config"
	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/engine/sim"
	"github.com/useid/eid-agent/internal/flows/identification"
	"github.com/useid/eid-agent/internal/flows/setup"
	"github.com/useid/eid-agent/internal/logging"
	"github.com/useid/eid-agent/internal/reader"
	"github.com/useid/eid-agent/internal/service"
	"github.com/useid/eid-agent/internal/storage"
	"github.com/useid/eid-agent/internal/tray"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	scenarioFlag := flag.String("sim-scenario", "", "Path to a card session scenario file (.json or .cbor)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "eID Agent - Local eID card service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  eid-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  eid-agent <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  EID_AGENT_PORT    Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  EID_AGENT_HOST    Host to bind to (default: %s)\n", config.DefaultHost)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := service.New().Install(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := service.New().Uninstall(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	cfg := config.Load()
	run(cfg, *noTrayFlag, *scenarioFlag)
}

func printVersion() {
	fmt.Printf("eid-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// browserNavigator opens redirect URLs in the user's default browser.
type browserNavigator struct{}

func (browserNavigator) OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

func run(cfg *config.Config, headless bool, scenarioPath string) {
	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "eID Agent starting", map[string]any{
		"version": api.Version,
	})

	statePath, err := storage.DefaultPath()
	if err != nil {
		log.Fatalf("cannot determine state path: %v", err)
	}
	store, err := storage.Open(statePath)
	if err != nil {
		log.Fatalf("cannot open state store: %v", err)
	}

	logging.InitSentry(api.Version, store.CrashReporting())
	defer logging.FlushSentry(2 * time.Second)

	// The PACE/EAC card engine is an external component; the agent runs
	// against a scripted session scenario.
	scenario := demoScenario()
	if scenarioPath != "" {
		scenario, err = sim.LoadScenario(scenarioPath)
		if err != nil {
			log.Fatalf("cannot load scenario %s: %v", scenarioPath, err)
		}
	}
	engine := sim.New(scenario)

	manager := eid.NewManager(engine)
	ident := identification.New(manager, browserNavigator{})
	setupFlow := setup.New(manager, ident, store)

	monitor := reader.NewMonitor(reader.PCSCFactory{}, manager, 500*time.Millisecond)
	monitor.Start()
	defer monitor.Stop()

	server := api.NewServer(ident, setupFlow, store, monitor)

	shutdown := func() {
		logging.Info(logging.CatSystem, "Shutting down", nil)
		monitor.Stop()
		logging.FlushSentry(2 * time.Second)
		os.Exit(0)
	}
	server.SetShutdownHandler(shutdown)

	mux := server.NewMux()
	addr := cfg.Address()

	startServer := func() {
		log.Printf("eid-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	useTray := !headless && tray.IsSupported()

	if useTray {
		log.Println("Starting with system tray...")

		trayApp := tray.New(addr, func() int {
			return len(monitor.Readers())
		}, shutdown)

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			shutdown()
		}()

		startServer()
	}
}

// demoScenario is the built-in identification walkthrough used when no
// scenario file is given.
func demoScenario() *sim.Scenario {
	return sim.NewScenario("demo-identify", sim.FlowIdentify).
		EmitEvent("authentication_started").
		Emit(sim.EventSpec{
			Name: "authentication_confirmation_requested",
			Request: &eid.AuthenticationRequest{
				Subject:    "Demo Service",
				SubjectURL: "https://demo.service.example",
				Terms:      eid.Terms{Kind: eid.TermsURL, Value: "https://demo.service.example/terms"},
				ReadAttributes: map[eid.Attribute]bool{
					eid.AttrGivenNames: true,
					eid.AttrFamilyName: true,
				},
			},
		}).
		ExpectKind("confirmation").
		EmitEvent("card_insertion_requested").
		WaitTag().
		EmitEvent("card_recognized").
		EmitEvent("pin_requested").
		ExpectKind("pin").
		Emit(sim.EventSpec{Name: "completed_with_redirect", RedirectURL: "https://demo.service.example/result"}).
		Build()
}
