package wire

// IPProto represents the IP protocol number carried in the IPv4 Protocol field.
type IPProto uint8

// IP protocol numbers actually exercised by this stack. The teacher
// (soypat-lneto) carries the full IANA registry; this module only ever
// routes TCP-over-IPv4 frames, so the rest is trimmed.
const (
	IPProtoICMP IPProto = 1 // Internet Control Message [RFC792]
	IPProtoTCP  IPProto = 6 // Transmission Control [RFC793]
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return "unknown"
	}
}
