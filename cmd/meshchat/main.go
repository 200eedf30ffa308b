// Meshchat: terminal group chat client.
//
// Participants find each other through a WebSocket signaling relay and then
// talk over direct WebRTC data channels, one per pair (full mesh). The relay
// never sees chat messages.
//
// It can be launched interactively (prompts for anything missing) or fully
// from flags, a YAML config file and MESHCHAT_* environment variables.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/meshchat/internal/chat"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/mesh"
	"github.com/1ureka/meshchat/internal/peer"
	"github.com/1ureka/meshchat/internal/session"
	"github.com/1ureka/meshchat/internal/util"
)

var version = "dev"

const statsInterval = 30 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.LogWarning("cannot load .env: %v", err)
	}

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	relayFlag := flag.String("relay", "", "Signaling relay URL (e.g. wss://relay.example.com/ws)")
	nameFlag := flag.String("name", "", "Display name")
	avatarFlag := flag.String("avatar", "", "Avatar URL shown to others")
	iceFlag := flag.String("ice", "", "ICE servers as RTCIceServer JSON")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *nameFlag != "" {
		cfg.Name = strings.TrimSpace(*nameFlag)
	}
	if *avatarFlag != "" {
		cfg.Avatar = *avatarFlag
	}
	if *iceFlag != "" {
		cfg.ICE.ServersJSON = *iceFlag
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshchat — v%s", version))
	pterm.Println()

	relayURL, err := config.NormalizeRelayURL(cfg.RelayURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	iceServers, err := cfg.ICEServers()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = askName()
	}

	run(ctx, relayURL, iceServers, session.Profile{Name: cfg.Name, Avatar: cfg.Avatar})
}

// ---------------------------------------------------------------------------
// Chat loop
// ---------------------------------------------------------------------------

func run(ctx context.Context, relayURL string, iceServers []webrtc.ICEServer, profile session.Profile) {
	sess := session.New(mesh.Config{
		RelayURL: relayURL,
		NewConn:  peer.NewFactory(peer.NewAPI(), iceServers),
	})

	fatal := make(chan string, 1)
	printer := &logPrinter{}
	unsubscribe := sess.Subscribe(func(st session.State) {
		printer.print(st, sess.ID())
		if !st.Entered && st.Error != "" {
			select {
			case fatal <- st.Error:
			default:
			}
		}
	})
	defer unsubscribe()

	util.LogInfo("connecting to %s", relayURL)
	if err := sess.Enter(ctx, profile); err != nil {
		util.LogError("failed to enter: %v", err)
		os.Exit(1)
	}
	defer sess.Leave()

	util.StartStatsReporter(ctx, statsInterval)
	util.LogSuccess("entered as %q — type a message, /peers or /quit", profile.Name)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return

		case reason := <-fatal:
			util.LogError("session ended: %s", reason)
			return

		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return
			case "/peers":
				util.LogInfo("%d participant(s) in the room", sess.State().ParticipantCount)
				continue
			}
			if err := sess.Send(line); err != nil {
				util.LogWarning("send failed: %v", err)
			}
		}
	}
}

// readLines forwards stdin lines until EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// logPrinter prints the part of the message log it has not printed yet.
type logPrinter struct {
	printed int
}

func (p *logPrinter) print(st session.State, self string) {
	if len(st.Messages) < p.printed {
		p.printed = 0 // a new Enter reset the log
	}
	for _, msg := range st.Messages[p.printed:] {
		switch msg.Kind {
		case chat.KindJoined:
			pterm.Success.Println(msg.Text)
		case chat.KindLeft:
			pterm.Warning.Println(msg.Text)
		default:
			name := pterm.FgCyan.Sprint(msg.DisplayName)
			if msg.SenderID == self {
				name = pterm.FgGray.Sprint("you")
			}
			pterm.Printfln("%s %s: %s", pterm.FgGray.Sprint(msg.Timestamp.Format("15:04")), name, msg.Text)
		}
	}
	p.printed = len(st.Messages)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askName prompts for a display name until a non-blank one is entered.
func askName() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Display name").
			Show()

		if name := strings.TrimSpace(raw); name != "" {
			pterm.Println()
			return name
		}

		util.LogWarning("display name cannot be empty")
		pterm.Println()
	}
}
