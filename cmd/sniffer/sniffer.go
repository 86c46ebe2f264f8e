package main

import (
	"encoding/binary"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"

	"github.com/astrion/astrion/internal/protocol"
)

// sniffer reassembles Astrion frames out of captured TCP segments. Each
// direction of each connection gets its own decoder, since frames routinely
// straddle segment boundaries.
type sniffer struct {
	serverPort uint16
	decoders   map[string]*protocol.Decoder
}

func newSniffer(serverPort uint16) *sniffer {
	return &sniffer{
		serverPort: serverPort,
		decoders:   make(map[string]*protocol.Decoder),
	}
}

func (s *sniffer) startReading(packetChan chan gopacket.Packet) {
	for packet := range packetChan {
		transport := packet.TransportLayer()
		app := packet.ApplicationLayer()
		if transport == nil || app == nil {
			continue
		}

		flow := transport.TransportFlow()
		srcPort := binary.BigEndian.Uint16(flow.Src().Raw())

		direction := "client -> server"
		if srcPort == s.serverPort {
			direction = "server -> client"
		}

		s.handleSegment(flow.String(), direction, app.Payload())
	}
}

// handleSegment feeds one TCP segment into the flow's decoder and prints
// every complete message it yields. Mid-stream captures will misparse until
// a frame boundary lines up; drop the buffer and resynchronize on error.
func (s *sniffer) handleSegment(flowKey, direction string, payload []byte) {
	decoder, ok := s.decoders[flowKey]
	if !ok {
		decoder = protocol.NewDecoder(0)
		s.decoders[flowKey] = decoder
	}

	decoder.Feed(payload)
	for {
		msg, err := decoder.Next()
		if err != nil {
			fmt.Printf("[%s] undecodable data (%v); resynchronizing\n", flowKey, err)
			decoder.Reset()
			return
		}
		if msg == nil {
			return
		}

		fmt.Printf("[%s] %s: %s\n", flowKey, direction, msg)
		if len(msg.Body) > 0 {
			spew.Dump(msg.Body)
		}
	}
}
