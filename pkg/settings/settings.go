package settings

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid settings")

// Transport kinds.
const (
	TransportBlueZ = "bluez"
	TransportLAN   = "lan"
)

// Protocol selections for Android companions.
const (
	ProtocolAuto = "auto"
	ProtocolV1   = "v1"
	ProtocolV2   = "v2"
)

// Settings is the top-level settings document.
type Settings struct {
	Companion CompanionSettings `yaml:"companion"`
	Proxy     ProxySettings     `yaml:"proxy"`
	HFP       HFPSettings       `yaml:"hfp"`
	Radio     RadioSettings     `yaml:"radio"`
	Transport TransportSettings `yaml:"transport"`

	// StatePath is where detector decisions are persisted.
	StatePath string `yaml:"state_path"`
}

// CompanionSettings pins a companion instead of discovering one.
type CompanionSettings struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`

	// OS is "android" or "ios".
	OS string `yaml:"os"`

	// BLE marks a companion reachable only over LE.
	BLE bool `yaml:"ble"`
}

// ProxySettings configures the proxy shard.
type ProxySettings struct {
	DNSServers []string `yaml:"dns_servers"`

	// Protocol is auto, v1 or v2.
	Protocol string `yaml:"protocol"`

	// ServiceUUID is the RFCOMM service record to resolve through SDP.
	ServiceUUID uuid.UUID `yaml:"service_uuid"`

	// FallbackThreshold is the number of v2 failures before falling back to v1.
	FallbackThreshold int `yaml:"fallback_threshold"`

	RetryUnit         time.Duration `yaml:"retry_unit"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
}

// HFPSettings configures the hands-free client shard.
type HFPSettings struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// RadioSettings are the user-controlled inputs of the radio power rules.
type RadioSettings struct {
	// Preference is the user's "Bluetooth on" toggle.
	Preference          bool `yaml:"preference"`
	CellOnly            bool `yaml:"cell_only"`
	TimeOnly            bool `yaml:"time_only"`
	UserAbsentRadiosOff bool `yaml:"user_absent_radios_off"`
}

// TransportSettings selects how sockets to the companion are opened.
type TransportSettings struct {
	// Kind is bluez or lan.
	Kind string `yaml:"kind"`

	// Adapter is the BlueZ adapter name.
	Adapter string `yaml:"adapter"`

	// LANService is the mDNS service type browsed in lan mode.
	LANService string `yaml:"lan_service"`

	// LANDomain is the mDNS domain.
	LANDomain string `yaml:"lan_domain"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Companion: CompanionSettings{OS: "android"},
		Proxy: ProxySettings{
			Protocol:          ProtocolAuto,
			ServiceUUID:       uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb"),
			FallbackThreshold: 3,
			RetryUnit:         time.Second,
			ConnectTimeout:    30 * time.Second,
			DisconnectTimeout: 10 * time.Second,
		},
		HFP: HFPSettings{
			Enabled:      true,
			PollInterval: 10 * time.Second,
			MaxRetries:   5,
		},
		Radio: RadioSettings{Preference: true},
		Transport: TransportSettings{
			Kind:       TransportBlueZ,
			Adapter:    "hci0",
			LANService: "_wearlink-proxy._tcp",
			LANDomain:  "local.",
		},
		StatePath: "wearlink-state.json",
	}
}

// Load reads settings from path on top of Default.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Marshal encodes s as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func (s *Settings) applyDefaults() {
	d := Default()
	if s.Companion.OS == "" {
		s.Companion.OS = d.Companion.OS
	}
	if s.Proxy.Protocol == "" {
		s.Proxy.Protocol = d.Proxy.Protocol
	}
	if s.Proxy.ServiceUUID == uuid.Nil {
		s.Proxy.ServiceUUID = d.Proxy.ServiceUUID
	}
	if s.Proxy.FallbackThreshold <= 0 {
		s.Proxy.FallbackThreshold = d.Proxy.FallbackThreshold
	}
	if s.Proxy.RetryUnit <= 0 {
		s.Proxy.RetryUnit = d.Proxy.RetryUnit
	}
	if s.Proxy.ConnectTimeout <= 0 {
		s.Proxy.ConnectTimeout = d.Proxy.ConnectTimeout
	}
	if s.Proxy.DisconnectTimeout <= 0 {
		s.Proxy.DisconnectTimeout = d.Proxy.DisconnectTimeout
	}
	if s.HFP.PollInterval <= 0 {
		s.HFP.PollInterval = d.HFP.PollInterval
	}
	if s.HFP.MaxRetries <= 0 {
		s.HFP.MaxRetries = d.HFP.MaxRetries
	}
	if s.Transport.Kind == "" {
		s.Transport.Kind = d.Transport.Kind
	}
	if s.Transport.Adapter == "" {
		s.Transport.Adapter = d.Transport.Adapter
	}
	if s.Transport.LANService == "" {
		s.Transport.LANService = d.Transport.LANService
	}
	if s.Transport.LANDomain == "" {
		s.Transport.LANDomain = d.Transport.LANDomain
	}
}

// Validate checks field values.
func (s Settings) Validate() error {
	switch strings.ToLower(s.Companion.OS) {
	case "android", "ios":
	default:
		return fmt.Errorf("%w: companion.os %q", ErrInvalid, s.Companion.OS)
	}
	switch s.Proxy.Protocol {
	case ProtocolAuto, ProtocolV1, ProtocolV2:
	default:
		return fmt.Errorf("%w: proxy.protocol %q", ErrInvalid, s.Proxy.Protocol)
	}
	if _, err := s.DNS(); err != nil {
		return err
	}
	switch s.Transport.Kind {
	case TransportBlueZ, TransportLAN:
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, s.Transport.Kind)
	}
	return nil
}

// DNS parses the configured DNS servers.
func (s Settings) DNS() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(s.Proxy.DNSServers))
	for _, raw := range s.Proxy.DNSServers {
		a, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: dns server %q: %v", ErrInvalid, raw, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// IsIOS reports whether the pinned companion is an iPhone.
func (s Settings) IsIOS() bool {
	return strings.EqualFold(s.Companion.OS, "ios")
}

func (s Settings) clone() Settings {
	s.Proxy.DNSServers = append([]string(nil), s.Proxy.DNSServers...)
	return s
}
