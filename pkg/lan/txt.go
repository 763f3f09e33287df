package lan

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

// Service constants.
const (
	ServiceType = "_wearlink-proxy._tcp"
	Domain      = "local."
	DefaultPort = 4780

	TXTKeyAddress = "addr"
	TXTKeyName    = "name"
	TXTKeyOS      = "os"
)

// Errors.
var (
	ErrMissingAddress = errors.New("lan: missing companion address")
	ErrNotFound       = errors.New("lan: companion service not found")
)

// Info describes one advertised companion endpoint.
type Info struct {
	Instance string
	Address  string
	Name     string
	OS       string

	Host  string
	Port  int
	Addrs []string
}

// Endpoint returns the dial target, preferring the first resolved address.
func (i Info) Endpoint() string {
	host := i.Host
	if len(i.Addrs) > 0 {
		host = i.Addrs[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(i.Port))
}

// EncodeTXT returns the TXT strings for info.
func EncodeTXT(info Info) []string {
	txt := []string{TXTKeyAddress + "=" + strings.ToUpper(info.Address)}
	if info.Name != "" {
		txt = append(txt, TXTKeyName+"="+info.Name)
	}
	if info.OS != "" {
		txt = append(txt, TXTKeyOS+"="+info.OS)
	}
	return txt
}

// DecodeTXT parses TXT strings. The address key is required.
func DecodeTXT(strs []string) (Info, error) {
	var info Info
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		switch k {
		case TXTKeyAddress:
			info.Address = strings.ToUpper(v)
		case TXTKeyName:
			info.Name = v
		case TXTKeyOS:
			info.OS = v
		}
	}
	if info.Address == "" {
		return Info{}, ErrMissingAddress
	}
	return info, nil
}

// entryToInfo converts a browse result. It returns false for entries
// without a usable TXT record.
func entryToInfo(entry *zeroconf.ServiceEntry) (Info, bool) {
	info, err := DecodeTXT(entry.Text)
	if err != nil {
		return Info{}, false
	}
	info.Instance = entry.Instance
	info.Host = entry.HostName
	info.Port = entry.Port
	info.Addrs = make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		info.Addrs = append(info.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		info.Addrs = append(info.Addrs, ip.String())
	}
	return info, true
}

func instanceName(info Info) string {
	if info.Instance != "" {
		return info.Instance
	}
	return fmt.Sprintf("wearlink-%s", strings.ReplaceAll(strings.ToLower(info.Address), ":", ""))
}
