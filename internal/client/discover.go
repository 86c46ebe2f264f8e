package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/astrion/astrion/internal/protocol"
)

// DiscoveredServer pairs a discovery reply with the address it came from.
type DiscoveredServer struct {
	Address string
	Status  protocol.ServerStatus
}

// Discover probes the given UDP addresses with the discovery magic and
// collects every well-formed reply that arrives within wait. Replies that
// are not valid status documents are ignored; probing is best effort and an
// empty result is not an error.
func Discover(ctx context.Context, addresses []string, wait time.Duration) ([]DiscoveredServer, error) {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("error opening udp socket: %w", err)
	}
	defer socket.Close()

	for _, address := range addresses {
		remote, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil, fmt.Errorf("error resolving %s: %w", address, err)
		}
		if _, err := socket.WriteToUDP([]byte(protocol.DiscoveryMagic), remote); err != nil {
			return nil, fmt.Errorf("error probing %s: %w", address, err)
		}
	}

	deadline := time.Now().Add(wait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := socket.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("error setting read deadline: %w", err)
	}

	var servers []DiscoveredServer
	buffer := make([]byte, 1024)
	for {
		n, remote, err := socket.ReadFromUDP(buffer)
		if err != nil {
			// The deadline expiring is the normal way this loop ends.
			return servers, nil
		}

		var status protocol.ServerStatus
		if err := json.Unmarshal(buffer[:n], &status); err != nil {
			continue
		}
		servers = append(servers, DiscoveredServer{Address: remote.String(), Status: status})
	}
}

// DiscoverLAN broadcasts a discovery probe for servers listening on port
// anywhere on the local network.
func DiscoverLAN(ctx context.Context, port int, wait time.Duration) ([]DiscoveredServer, error) {
	broadcast := fmt.Sprintf("%s:%d", net.IPv4bcast.String(), port)
	return Discover(ctx, []string{broadcast}, wait)
}
