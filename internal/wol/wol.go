// Package wol builds and sends Wake-on-LAN magic packets. Waking is the
// one control action that deliberately skips the reachability gate: the
// target is off, that is the point.
package wol

import (
	"fmt"
	"net"
)

const magicPacketLen = 6 + 16*6

// MagicPacket builds the canonical frame for a MAC address: six 0xFF
// bytes followed by the MAC repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("parse mac %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("mac %q: need a 6-byte EUI-48 address", mac)
	}

	packet := make([]byte, 0, magicPacketLen)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Wake broadcasts the magic packet for mac. The packet is sent three
// times to both discard ports (9 and 7) since delivery over UDP
// broadcast is fire and forget. broadcast defaults to the limited
// broadcast address when empty.
func Wake(mac, broadcast string) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}

	var lastErr error
	sent := false
	for _, port := range []string{"9", "7"} {
		addr := net.JoinHostPort(broadcast, port)
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			lastErr = fmt.Errorf("resolve %s: %w", addr, err)
			continue
		}
		conn, err := net.DialUDP("udp4", nil, udpAddr)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", addr, err)
			continue
		}
		// Sending to a broadcast address needs SO_BROADCAST on most
		// platforms; failure to set it surfaces on the write below.
		_ = setBroadcast(conn)
		for i := 0; i < 3; i++ {
			if _, err := conn.Write(packet); err != nil {
				lastErr = fmt.Errorf("send to %s: %w", addr, err)
				break
			}
			sent = true
		}
		conn.Close()
	}

	if !sent {
		return lastErr
	}
	return nil
}
