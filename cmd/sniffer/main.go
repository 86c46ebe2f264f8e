// The sniffer command live-captures Astrion protocol traffic on a network
// device and prints every decoded message, which beats reading hex dumps
// when debugging client/server exchanges.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

var (
	device = flag.String("d", "en0", "Device on which to listen for packets")
	port   = flag.Int("port", 12346, "Server port carrying Astrion traffic")
)

func main() {
	flag.Parse()

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v\n", err)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("tcp and port %d", *port)); err != nil {
		exit("error setting capture filter: %v\n", err)
	}

	s := newSniffer(uint16(*port))

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	s.startReading(packetSource.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format, args...)
	os.Exit(1)
}
