package connect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/app"
	"github.com/0w0mewo/flexlink-cli/internal/flex/stream"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/tester"
	"github.com/0w0mewo/flexlink-cli/internal/utils"
	"github.com/spf13/cobra"
)

var (
	serial     string
	source     string
	station    string
	gui        bool
	useDefault bool
	takeover   string
	rxAudio    bool
	saveAsDef  bool
	waitSecs   int64
)

var Cmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a radio and send commands interactively",
	Long: `Connect to a radio and send commands interactively.

Lines typed are sent as commands. Local commands:
  /status  /rx on|off  /tx on|off  /pan  /remove <id>
  /prev  /next  /export <file>  /clear  /quit`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cfg := app.Flags
		cfg.AudioSink = audioLog{}
		a, err := app.Open(ctx, cfg)
		if err != nil {
			slog.Error("Fail to load preferences", "error", err)
			return
		}
		defer a.Close()

		p := a.Prefs.Get()
		if !cmd.Flags().Changed("gui") {
			gui = p.IsGui
		} else if err := a.Prefs.SetIsGui(gui); err != nil {
			slog.Warn("Fail to save preferences", "error", err)
		}
		if cmd.Flags().Changed("rx-audio") {
			if err := a.Prefs.SetRxAudio(rxAudio); err != nil {
				slog.Warn("Fail to save preferences", "error", err)
			}
		}
		if !cmd.Flags().Changed("default") {
			useDefault = p.UseDefault && serial == ""
		}

		packets := a.Listener.PacketEvents()
		if _, err := a.Tester.ApplyMode(ctx); err != nil {
			slog.Warn("Discovery partly unavailable", "error", err)
		}

		res, err := a.Tester.Start(ctx, useDefault, gui)
		if err != nil {
			packets.Close()
			report(err)
			return
		}

		if !res.Defaulted {
			if serial == "" {
				packets.Close()
				slog.Error("No default radio, pass --serial")
				a.Tester.CancelPick()
				return
			}
			pkt, ok := waitForRadio(packets.C(), a.Listener.Packets(), time.Duration(waitSecs)*time.Second)
			packets.Close()
			if !ok {
				slog.Error("Radio not found", "serial", serial, "source", source)
				a.Tester.CancelPick()
				return
			}
			sel := models.Pickable{Packet: pkt, Station: station}
			if saveAsDef {
				if _, err := a.Tester.ToggleDefault(sel); err != nil {
					slog.Warn("Fail to save preferences", "error", err)
				}
			}

			decision, err := a.Tester.Select(ctx, sel)
			if err != nil {
				report(err)
				return
			}
			if decision.NeedsClientChoice() {
				if err := chooseClient(ctx, a.Tester, sel, decision); err != nil {
					report(err)
					return
				}
			}
		} else {
			packets.Close()
			if res.Decision.NeedsClientChoice() {
				if err := chooseClient(ctx, a.Tester, res.Selection, res.Decision); err != nil {
					report(err)
					return
				}
			}
		}

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.Tester.WatchClients(wctx, a.Listener.ClientEvents())

		console(ctx, a.Tester)
	},
}

// audioLog reports rx audio streams on the console. Payload decoding is
// left to a real audio sink.
type audioLog struct{}

func (audioLog) StreamStarted(h stream.Handle) {
	fmt.Fprintf(os.Stdout, "%s started\n", h)
}

func (audioLog) StreamStopped(id uint32) {
	fmt.Fprintf(os.Stdout, "rx-audio 0x%08X stopped\n", id)
}

func matches(pkt models.RadioPacket) bool {
	if pkt.Serial != serial {
		return false
	}
	return source == "" || string(pkt.Source) == source
}

func waitForRadio(events <-chan models.PacketEvent, known []models.RadioPacket, wait time.Duration) (models.RadioPacket, bool) {
	for _, pkt := range known {
		if matches(pkt) {
			return pkt, true
		}
	}

	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return models.RadioPacket{}, false
			}
			if ev.Action != models.PacketRemoved && matches(ev.Packet) {
				return ev.Packet, true
			}
		case <-deadline:
			return models.RadioPacket{}, false
		}
	}
}

// chooseClient resolves a gui conflict from the --takeover flag.
func chooseClient(ctx context.Context, t *tester.Tester, sel models.Pickable, d tester.Decision) error {
	if takeover == "" {
		t.CancelPick()
		fmt.Fprintln(os.Stderr, "Radio already has gui clients, pass --takeover <handle> to disconnect one:")
		for i, st := range d.Stations {
			fmt.Fprintf(os.Stderr, "\t%s %s\n", models.FormatHandle(d.Handles[i]), st)
		}
		return errors.New("gui client must yield")
	}

	handle, err := wire.ParseHex(takeover)
	if err != nil {
		t.CancelPick()
		return fmt.Errorf("bad handle %q: %w", takeover, err)
	}
	if !slices.Contains(d.Handles, handle) {
		t.CancelPick()
		return fmt.Errorf("handle %s is not a gui client of %s", takeover, sel.Packet.Serial)
	}
	return t.Connect(ctx, sel, &handle)
}

func report(err error) {
	slog.Error("Fail to connect", "error", err)
	fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
}

func console(ctx context.Context, t *tester.Tester) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sig := utils.WaitForSignal()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	st := t.Status()
	fmt.Fprintf(os.Stdout, "Connected to %s as %s (version %s), type /quit to leave\n",
		st.Serial, models.FormatHandle(st.Handle), st.Version)

	for {
		select {
		case <-sig:
			return
		case <-tick.C:
			if t.State() != tester.Connected {
				fmt.Fprintln(os.Stderr, "Connection closed")
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, t, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, t *tester.Tester, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		send(t, line)
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/status":
		st := t.Status()
		fmt.Fprintf(os.Stdout, "state=%s serial=%s handle=%s station=%q bound=%q pending=%d\n",
			st.State, st.Serial, models.FormatHandle(st.Handle), st.Station, st.Bound, st.Pending)
		for _, h := range st.Streams {
			fmt.Fprintf(os.Stdout, "\t%s\n", h)
		}
	case "/rx":
		err = t.SetRxAudio(ctx, arg != "off")
	case "/tx":
		err = t.SetTxAudio(ctx, arg != "off")
	case "/pan":
		h, perr := t.RequestPanafall(ctx)
		if err = perr; err == nil {
			fmt.Fprintf(os.Stdout, "panafall %s\n", h)
		}
	case "/remove":
		var id uint32
		if id, err = wire.ParseHex(arg); err == nil {
			err = t.RemoveStream(id)
		}
	case "/prev":
		fmt.Fprintln(os.Stdout, t.History().Previous())
	case "/next":
		fmt.Fprintln(os.Stdout, t.History().Next())
	case "/clear":
		t.Log().Clear()
	case "/export":
		err = export(t, arg)
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	return false
}

func send(t *tester.Tester, text string) {
	seq, ch, err := t.SendCommand(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	go func() {
		res := <-ch
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "R%d %v\n", seq, res.Err)
			return
		}
		fmt.Fprintf(os.Stdout, "%s\n", res.Line.Raw)
	}()
}

func export(t *tester.Tester, path string) error {
	if path == "" {
		return errors.New("usage: /export <file>")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return t.Log().Export(f)
}

func init() {
	Cmd.PersistentFlags().StringVarP(&serial, "serial", "s", "", "serial of the radio to connect to")
	Cmd.PersistentFlags().StringVar(&source, "source", "", "local or smartlink (default either)")
	Cmd.PersistentFlags().StringVar(&station, "station", "", "station to bind to in non-gui mode")
	Cmd.PersistentFlags().BoolVarP(&gui, "gui", "g", true, "connect as a gui client")
	Cmd.PersistentFlags().BoolVarP(&useDefault, "default", "d", false, "connect to the saved default radio")
	Cmd.PersistentFlags().StringVar(&takeover, "takeover", "", "gui client handle to disconnect when the radio is busy")
	Cmd.PersistentFlags().BoolVar(&rxAudio, "rx-audio", false, "start rx audio after connecting")
	Cmd.PersistentFlags().BoolVar(&saveAsDef, "save-default", false, "toggle this selection as the default")
	Cmd.PersistentFlags().Int64VarP(&waitSecs, "wait", "w", 5, "seconds to wait for the radio to be discovered")
}
