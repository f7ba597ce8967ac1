package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kargono/kgnet/internal/network"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultConfigFile)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path() != path {
		t.Errorf("Path = %q", cfg.Path())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if got := cfg.GetNetwork(); got != DefaultServerConfig() {
		t.Errorf("network = %+v", got)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgnet.json")
	partial := `{"network": {"max_clients": 8, "server_location": "Remote", "server_address": "10.0.0.5:9000"}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	n := cfg.GetNetwork()
	if n.MaxClients != 8 || n.ServerLocation != LocationRemote {
		t.Errorf("overlay not applied: %+v", n)
	}
	if n.KeepAliveMs != DefaultServerConfig().KeepAliveMs {
		t.Errorf("default lost: KeepAliveMs = %d", n.KeepAliveMs)
	}

	// Re-save fills in the missing fields.
	data, _ := os.ReadFile(path)
	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["network"]["keep_alive_ms"]; !ok {
		t.Error("re-saved file is missing keep_alive_ms")
	}
	if raw["network"]["server_location"] != "Remote" {
		t.Errorf("server_location saved as %v", raw["network"]["server_location"])
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgnet.yaml")
	doc := strings.Join([]string{
		"network:",
		"  app_id: 99",
		"  server_address: 192.168.1.20:4000",
		"  server_location: LocalNetwork",
		"  validation_secrets: [1, 2, 3, 4]",
		"application_data:",
		"  api:",
		"    enabled: false",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	n := cfg.GetNetwork()
	if n.AppID != 99 || n.ServerLocation != LocationLocalNetwork {
		t.Errorf("network = %+v", n)
	}
	if n.ValidationSecrets != [4]uint64{1, 2, 3, 4} || !n.HasValidationSecrets() {
		t.Errorf("secrets = %v", n.ValidationSecrets)
	}
	if cfg.GetApplicationData().API.Enabled {
		t.Error("api.enabled not applied")
	}
	if cfg.GetApplicationData().Database.RetentionDays != 30 {
		t.Error("application default lost")
	}

	// The re-saved file is still YAML and loads to the same values.
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.GetNetwork() != n {
		t.Errorf("reload = %+v, want %+v", again.GetNetwork(), n)
	}
}

func TestLoadRejectsBadLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgnet.json")
	os.WriteFile(path, []byte(`{"network": {"server_location": "Moon"}}`), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown location accepted")
	}
}

func TestServerConfigDurations(t *testing.T) {
	s := DefaultServerConfig()
	if s.ConnectionTimeout() != 10*time.Second {
		t.Errorf("ConnectionTimeout = %v", s.ConnectionTimeout())
	}
	if s.ActiveRefresh() != 16*time.Millisecond || s.PassiveRefresh() != 100*time.Millisecond {
		t.Errorf("refresh = %v / %v", s.ActiveRefresh(), s.PassiveRefresh())
	}
	if s.KeepAliveInterval() != time.Second || s.RequestConnectionFrequency() != time.Second {
		t.Errorf("keepalive = %v, request = %v", s.KeepAliveInterval(), s.RequestConnectionFrequency())
	}
	if s.HasValidationSecrets() {
		t.Error("default config has secrets")
	}
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		name    string
		loc     ServerLocation
		addr    string
		want    network.Address
		wantErr bool
	}{
		{"local machine uses loopback", LocationLocalMachine, "0.0.0.0:7777", network.NewAddressFromOctets(127, 0, 0, 1, 7777), false},
		{"local network keeps host", LocationLocalNetwork, "192.168.0.4:7000", network.NewAddressFromOctets(192, 168, 0, 4, 7000), false},
		{"remote keeps host", LocationRemote, "203.0.113.9:7777", network.NewAddressFromOctets(203, 0, 113, 9, 7777), false},
		{"remote needs host", LocationRemote, "0.0.0.0:7777", network.Address{}, true},
		{"bad address", LocationLocalMachine, "nope", network.Address{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultServerConfig()
			s.ServerLocation = tt.loc
			s.ServerAddress = tt.addr
			got, err := s.TargetAddress()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("TargetAddress = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestServerLocationText(t *testing.T) {
	for loc, name := range locationNames {
		text, err := loc.MarshalText()
		if err != nil || string(text) != name {
			t.Errorf("MarshalText(%d) = %q, %v", loc, text, err)
		}
		var back ServerLocation
		if err := back.UnmarshalText([]byte(strings.ToLower(name))); err != nil || back != loc {
			t.Errorf("UnmarshalText(%q) = %v, %v", name, back, err)
		}
	}
	if _, err := ServerLocation(9).MarshalText(); err == nil {
		t.Error("invalid location marshalled")
	}
}

func TestValidateDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("defaults invalid: %v", result.Errors)
	}
}

func TestValidateNetwork(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*ServerConfig)
		field string
	}{
		{"max clients zero", func(s *ServerConfig) { s.MaxClients = 0 }, "network.max_clients"},
		{"max clients too high", func(s *ServerConfig) { s.MaxClients = 256 }, "network.max_clients"},
		{"bad address", func(s *ServerConfig) { s.ServerAddress = "x" }, "network.server_address"},
		{"port zero", func(s *ServerConfig) { s.ServerAddress = "0.0.0.0:0" }, "network.server_address"},
		{"remote without host", func(s *ServerConfig) { s.ServerLocation = LocationRemote }, "network.server_address"},
		{"timeout", func(s *ServerConfig) { s.ConnectionTimeoutSec = 0 }, "network.connection_timeout_sec"},
		{"keepalive longer than timeout", func(s *ServerConfig) { s.KeepAliveMs = 20000 }, "network.keep_alive_ms"},
		{"request frequency", func(s *ServerConfig) { s.RequestConnectionFrequencySec = 0 }, "network.request_connection_frequency_sec"},
		{"active refresh", func(s *ServerConfig) { s.ActiveRefreshMs = 0 }, "network.active_refresh_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			n := cfg.GetNetwork()
			tt.edit(&n)
			cfg.SetNetwork(n)
			result := Validate(cfg)
			if !result.HasError(tt.field) {
				t.Errorf("no error for %s: %+v", tt.field, result.Errors)
			}
		})
	}
}

func TestValidateApplicationData(t *testing.T) {
	cfg := DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Enabled = true
	app.MQTT.BrokerURL = ""
	app.Database.RetentionDays = 0
	app.API.Port = 70000
	cfg.SetApplicationData(app)

	result := Validate(cfg)
	for _, field := range []string{
		"application_data.mqtt.broker_url",
		"application_data.database.retention_days",
		"application_data.api.port",
	} {
		if !result.HasError(field) {
			t.Errorf("missing error for %s", field)
		}
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "kgnet.json"))

	input := strings.Join([]string{
		"0.0.0.0:9100", // address
		"LocalNetwork", // location (no concrete host, rejected by validation)
		"",             // app id
		"16",           // max clients
		"",             // timeout
		"",             // keepalive
		"",             // reuse
		"no",           // api
		"",             // mqtt
		"yes",          // retry
		"10.1.1.1:9100",
		"",
		"",
		"",
		"",
		"",
		"",
		"",
		"",
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(input), &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	n := cfg.GetNetwork()
	if n.ServerAddress != "10.1.1.1:9100" || n.ServerLocation != LocationLocalNetwork || n.MaxClients != 16 {
		t.Errorf("network = %+v", n)
	}
	if cfg.GetApplicationData().API.Enabled {
		t.Error("api still enabled")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("config not saved: %v", err)
	}
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "kgnet.json"))
	input := "\n\n\n0\n" // max clients 0, then EOF declines the retry
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(input), &out); err == nil {
		t.Fatal("invalid config accepted")
	}
}
