// Package cli implements the interactive operator console of the kgnet
// server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/db"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
	"github.com/kargono/kgnet/internal/scheduler"
	"github.com/kargono/kgnet/internal/server"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// Transport is the part of the game server the console drives.
type Transport interface {
	Snapshot() []server.ConnectionInfo
	NumClients() int
	MaxClients() int
	LocalAddr() network.Address
	Uptime() time.Duration
	Dropped() uint64
	Kick(idx network.ClientIndex) error
	SendMessage(idx network.ClientIndex, msg *protocol.Message) error
	Broadcast(msg *protocol.Message) (int, error)
}

// History lists past sessions. It may be nil.
type History interface {
	Recent(limit int) ([]db.SessionRecord, error)
	Denials(limit int) ([]db.DenialRecord, error)
}

// CLI reads commands from in and writes results to out.
type CLI struct {
	transport Transport
	history   History
	in        io.Reader
	out       io.Writer
	onQuit    func()
}

// NewCLI creates a console. onQuit is called when the operator types quit.
func NewCLI(transport Transport, history History, in io.Reader, out io.Writer, onQuit func()) *CLI {
	return &CLI{
		transport: transport,
		history:   history,
		in:        in,
		out:       out,
		onQuit:    onQuit,
	}
}

// Start runs the command loop until quit, EOF, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nkgnet console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "kgnet> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := c.Execute(line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *CLI) Execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "sessions":
		return c.printSessions(args)
	case "denials":
		return c.printDenials(args)
	case "kick":
		return c.cmdKick(args)
	case "message", "msg":
		return c.cmdMessage(args)
	case "broadcast", "say":
		return c.cmdBroadcast(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down kgnet...")
		log.Info().Msg("shutdown requested from console")
		if c.onQuit != nil {
			c.onQuit()
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status [index]        Show connected clients, or one client in detail
  sessions [limit]      Show recent sessions
  denials [limit]       Show recently denied connection requests
  kick <index>          Disconnect a client
  msg <index> <text>    Send a server message to one client
  broadcast <text>      Send a server message to every client
  quit                  Shut down the server
  help                  Show this help message`)
}

func (c *CLI) printStatus(args []string) error {
	conns := c.transport.Snapshot()

	if len(args) > 0 {
		idx, err := parseIndexArg(args)
		if err != nil {
			return err
		}
		for _, info := range conns {
			if info.Index == idx {
				c.printDetail(info)
				return nil
			}
		}
		return fmt.Errorf("no client at index %d", idx)
	}

	fmt.Fprintf(c.out, "\n  Listening on %s, %d/%d clients, up %s, %d datagrams dropped\n\n",
		c.transport.LocalAddr(), c.transport.NumClients(), c.transport.MaxClients(),
		scheduler.FormatUptime(c.transport.Uptime()), c.transport.Dropped())

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Index", "Address", "Session", "Connected", "RTT", "Lost", "Idle", "Congested"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, info := range conns {
		tw.Append([]string{
			strconv.Itoa(int(info.Index)),
			info.Address,
			shortID(info.SessionID),
			scheduler.FormatUptime(time.Since(info.ConnectedAt)),
			formatRTT(info.Stats.AverageRoundTrip),
			strconv.FormatUint(info.Stats.Lost, 10),
			info.Stats.SinceLastReceived.Round(time.Millisecond).String(),
			yesNo(info.Stats.Congested),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printDetail(info server.ConnectionInfo) {
	st := info.Stats
	fmt.Fprintf(c.out, "\n  Index:        %d\n", info.Index)
	fmt.Fprintf(c.out, "  Address:      %s\n", info.Address)
	fmt.Fprintf(c.out, "  Session:      %s\n", info.SessionID)
	fmt.Fprintf(c.out, "  Connected:    %s\n", info.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Sequence:     local %d, remote %d\n", st.LocalSequence, st.RemoteSequence)
	fmt.Fprintf(c.out, "  Packets:      %d sent, %d received, %d acked\n", st.Sent, st.Received, st.Acked)
	fmt.Fprintf(c.out, "  Lost:         %d (%d duplicates)\n", st.Lost, st.Duplicates)
	fmt.Fprintf(c.out, "  RTT:          %s\n", formatRTT(st.AverageRoundTrip))
	fmt.Fprintf(c.out, "  Congested:    %s\n\n", yesNo(st.Congested))
}

func (c *CLI) printSessions(args []string) error {
	if c.history == nil {
		return errors.New("session history is disabled")
	}
	sessions, err := c.history.Recent(parseLimitArg(args))
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Session", "Index", "Address", "Connected", "Duration", "Reason", "Lost"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, s := range sessions {
		reason, duration := "open", "-"
		if !s.Open() {
			reason = s.Reason
			duration = scheduler.FormatUptime(s.Duration)
		}
		tw.Append([]string{
			shortID(s.ID),
			strconv.Itoa(s.ClientIndex),
			s.Address,
			s.ConnectedAt.Format("2006-01-02 15:04:05"),
			duration,
			reason,
			strconv.FormatUint(s.PacketsLost, 10),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printDenials(args []string) error {
	if c.history == nil {
		return errors.New("session history is disabled")
	}
	denials, err := c.history.Denials(parseLimitArg(args))
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Address", "Reason"})
	tw.SetBorder(true)
	for _, d := range denials {
		tw.Append([]string{d.At.Format("2006-01-02 15:04:05"), d.Address, d.Reason})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	idx, err := parseIndexArg(args)
	if err != nil {
		return err
	}
	if err := c.transport.Kick(idx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked client %d\n", idx)
	return nil
}

func (c *CLI) cmdMessage(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: msg <index> <text>")
	}
	idx, err := parseIndexArg(args)
	if err != nil {
		return err
	}
	if err := c.transport.SendMessage(idx, serverMessage(strings.Join(args[1:], " "))); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Message sent to client %d\n", idx)
	return nil
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: broadcast <text>")
	}
	n, err := c.transport.Broadcast(serverMessage(strings.Join(args, " ")))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Message sent to %d clients\n", n)
	return nil
}

func serverMessage(text string) *protocol.Message {
	msg := protocol.NewMessage(protocol.MsgServerMessage)
	msg.AppendString(text)
	return msg
}

func parseIndexArg(args []string) (network.ClientIndex, error) {
	if len(args) == 0 {
		return 0, errors.New("client index required")
	}
	n, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil || network.ClientIndex(n) == network.InvalidClientIndex {
		return 0, fmt.Errorf("invalid client index: %s", args[0])
	}
	return network.ClientIndex(n), nil
}

func parseLimitArg(args []string) int {
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			return n
		}
	}
	return 20
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatRTT(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
