package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks through the transport settings on in/out and saves
// the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		err := runSetupPass(cfg, reader, out)
		if err == nil {
			return nil
		}
		if err != errRetry {
			return err
		}
	}
}

var errRetry = fmt.Errorf("retry setup")

func runSetupPass(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "kgnet setup")
	fmt.Fprintln(out)

	n := cfg.GetNetwork()

	fmt.Fprintln(out, "── Transport ──")
	n.ServerAddress = promptString(reader, out, "Server address (ip:port)", n.ServerAddress)
	loc := promptString(reader, out, "Server location (LocalMachine, LocalNetwork, Remote)", n.ServerLocation.String())
	if parsed, err := ParseServerLocation(loc); err == nil {
		n.ServerLocation = parsed
	} else {
		fmt.Fprintf(out, "    %v, keeping %s\n", err, n.ServerLocation)
	}
	n.AppID = uint16(promptInt(reader, out, "Application id", int(n.AppID)))
	n.MaxClients = promptInt(reader, out, "Max clients", n.MaxClients)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Timing ──")
	n.ConnectionTimeoutSec = promptInt(reader, out, "Connection timeout (sec)", n.ConnectionTimeoutSec)
	n.KeepAliveMs = promptInt(reader, out, "Keep alive interval (ms)", n.KeepAliveMs)
	n.ReuseAddress = promptBool(reader, out, "Set SO_REUSEADDR", n.ReuseAddress)

	cfg.SetNetwork(n)

	app := cfg.GetApplicationData()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Admin API ──")
	app.API.Enabled = promptBool(reader, out, "Enable admin API", app.API.Enabled)
	if app.API.Enabled {
		app.API.Port = promptInt(reader, out, "API port", app.API.Port)
		app.API.Token = promptString(reader, out, "API token", app.API.Token)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, out, "Broker host", app.MQTT.BrokerURL)
	}
	cfg.SetApplicationData(app)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "no")
		if strings.ToLower(retry) == "yes" {
			return errRetry
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
