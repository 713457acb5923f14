package capture

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Neighbor is the identity a peer advertises over LLDP.
type Neighbor struct {
	ChassisID         string
	PortID            string
	SystemName        string
	SystemDescription string
}

// DecodeLLDP extracts the LLDP neighbor from one Ethernet frame. It returns
// false when the frame is not LLDP.
func DecodeLLDP(frame []byte) (Neighbor, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeLinkLayerDiscovery)
	if l == nil {
		return Neighbor{}, false
	}
	lldp := l.(*layers.LinkLayerDiscovery)

	n := Neighbor{
		ChassisID: formatLLDPID(lldp.ChassisID.Subtype == layers.LLDPChassisIDSubTypeMACAddr, lldp.ChassisID.ID),
		PortID:    formatLLDPID(lldp.PortID.Subtype == layers.LLDPPortIDSubtypeMACAddr, lldp.PortID.ID),
	}
	if il := pkt.Layer(layers.LayerTypeLinkLayerDiscoveryInfo); il != nil {
		info := il.(*layers.LinkLayerDiscoveryInfo)
		n.SystemName = info.SysName
		n.SystemDescription = info.SysDescription
	}
	return n, true
}

// FirstLLDP returns the first LLDP neighbor among frames.
func FirstLLDP(frames [][]byte) (Neighbor, bool) {
	for _, f := range frames {
		if n, ok := DecodeLLDP(f); ok {
			return n, true
		}
	}
	return Neighbor{}, false
}

func formatLLDPID(isMAC bool, id []byte) string {
	if isMAC && len(id) == 6 {
		return net.HardwareAddr(id).String()
	}
	return string(id)
}
