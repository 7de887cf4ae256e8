//go:build !no_mqtt

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const zeroconfService = "_mqtt._tcp"

// ErrNoBroker is returned when no broker answers on mDNS before ctx expires.
var ErrNoBroker = errors.New("no mqtt broker found")

// DiscoverBroker browses mDNS for an MQTT broker and returns the first
// one found as a tcp:// URL.
func DiscoverBroker(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if u := brokerURL(entry); u != "" {
				select {
				case found <- u:
				default:
				}
				cancel()
			}
		}
	}()

	if err := resolver.Browse(ctx, zeroconfService, "local.", entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", zeroconfService, err)
	}
	<-ctx.Done()

	select {
	case u := <-found:
		return u, nil
	default:
		return "", ErrNoBroker
	}
}

func brokerURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	if len(entry.AddrIPv4) > 0 {
		return "tcp://" + net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	}
	if len(entry.AddrIPv6) > 0 {
		return "tcp://" + net.JoinHostPort(entry.AddrIPv6[0].String(), strconv.Itoa(entry.Port))
	}
	if entry.HostName != "" {
		return "tcp://" + net.JoinHostPort(entry.HostName, strconv.Itoa(entry.Port))
	}
	return ""
}
