package media

import (
	"fmt"
	"strings"

	"livecast/internal/core/domain"
	"livecast/pkg/utils"
)

// mirrorAnswer renders the remote answer for a local offer. The client
// never speaks SDP on the wire; its DTLS fingerprint arrives through
// signaling and the lite ICE agent learns its credentials from inbound
// binding requests, so the answer only has to mirror the offer's media
// sections with directions flipped and the client's fingerprint slotted
// in.
func mirrorAnswer(offerSDP string, clientDTLS domain.DTLSParameters) string {
	remoteUfrag := utils.RandomHex(4)
	remotePwd := utils.RandomHex(12)

	setup := "active"
	if clientDTLS.Role == "server" {
		setup = "passive"
	}

	var fingerprint string
	if len(clientDTLS.Fingerprints) > 0 {
		fp := clientDTLS.Fingerprints[0]
		fingerprint = fmt.Sprintf("a=fingerprint:%s %s", fp.Algorithm, fp.Value)
	}

	lines := strings.Split(strings.ReplaceAll(offerSDP, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "a=setup:"):
			out = append(out, "a=setup:"+setup)
		case strings.HasPrefix(line, "a=fingerprint:"):
			if fingerprint != "" {
				out = append(out, fingerprint)
			}
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			out = append(out, "a=ice-ufrag:"+remoteUfrag)
		case strings.HasPrefix(line, "a=ice-pwd:"):
			out = append(out, "a=ice-pwd:"+remotePwd)
		case line == "a=ice-lite":
			continue
		case line == "a=sendonly":
			out = append(out, "a=recvonly")
		case line == "a=recvonly":
			out = append(out, "a=sendonly")
		case strings.HasPrefix(line, "a=candidate:"),
			line == "a=end-of-candidates":
			continue
		case strings.HasPrefix(line, "a=ssrc:"),
			strings.HasPrefix(line, "a=ssrc-group:"),
			strings.HasPrefix(line, "a=msid:"):
			continue
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\r\n") + "\r\n"
}
