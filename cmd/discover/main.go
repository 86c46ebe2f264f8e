// The discover command broadcasts a discovery probe on the local network and
// prints every Astrion server that answers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astrion/astrion/internal/client"
)

var (
	port = flag.Int("port", 12346, "Port the servers are listening on")
	wait = flag.Duration("wait", 2*time.Second, "How long to collect replies")
	addr = flag.String("addr", "", "Probe a specific host:port instead of broadcasting")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	ctx := context.Background()

	var servers []client.DiscoveredServer
	var err error
	if *addr != "" {
		servers, err = client.Discover(ctx, []string{*addr}, *wait)
	} else {
		servers, err = client.DiscoverLAN(ctx, *port, *wait)
	}
	if err != nil {
		logger.Fatalf("discovery failed: %v", err)
	}

	if len(servers) == 0 {
		fmt.Println("no servers found")
		os.Exit(1)
	}

	for _, server := range servers {
		fmt.Printf("%-22s %-20s version=%-8s state=%-8s players=%d turn=%d\n",
			server.Address,
			server.Status.Name,
			server.Status.Version,
			server.Status.State,
			server.Status.Players,
			server.Status.Turn,
		)
	}
}
