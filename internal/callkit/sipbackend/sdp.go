package sipbackend

import (
	"log/slog"

	"github.com/pion/sdp/v3"
)

// Stream direction attributes used in offers and hold re-INVITEs.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
)

// buildSDP creates an audio session description advertising the given RTP
// endpoint. direction carries the stream mode attribute; hold re-INVITEs
// use sendonly.
func buildSDP(addr string, port int, sessionVersion uint64, direction string) []byte {
	if direction == "" {
		direction = DirectionSendRecv
	}
	formats := []string{"0", "8", "101"}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callkit",
			SessionID:      1,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Callkit Audio Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: audioAttributes(formats, direction),
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		slog.Error("Failed to marshal SDP", "error", err)
		return nil
	}
	return body
}

// audioAttributes returns rtpmap and mode attributes for the offered formats.
func audioAttributes(formats []string, direction string) []sdp.Attribute {
	rtpmapMap := map[string]string{
		"0":   "PCMU/8000",
		"8":   "PCMA/8000",
		"101": "telephone-event/8000",
	}

	attrs := []sdp.Attribute{}
	for _, format := range formats {
		if rtpmap, ok := rtpmapMap[format]; ok {
			attrs = append(attrs, sdp.Attribute{
				Key:   "rtpmap",
				Value: format + " " + rtpmap,
			})
		}
	}
	for _, format := range formats {
		if format == "101" {
			attrs = append(attrs, sdp.Attribute{
				Key:   "fmtp",
				Value: "101 0-15",
			})
		}
	}

	attrs = append(attrs, sdp.Attribute{
		Key:   "ptime",
		Value: "20",
	})
	attrs = append(attrs, sdp.Attribute{
		Key: direction,
	})
	return attrs
}

// remoteEndpoint extracts the remote RTP address and port from an SDP body.
// Returns empty address when the body has no usable media section.
func remoteEndpoint(body []byte) (string, int) {
	if len(body) == 0 {
		return "", 0
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		slog.Debug("Failed to parse SDP", "error", err)
		return "", 0
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", 0
	}

	media := desc.MediaDescriptions[0]
	port := media.MediaName.Port.Value

	var addr string
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	return addr, port
}
