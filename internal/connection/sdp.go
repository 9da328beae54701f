package connection

import "strings"

// preferStereo rewrites the local SDP offer so the appliance's Opus encoder
// sends stereo. The stereo/sprop-stereo parameters are appended to both
// in-band-FEC fmtp variants. This is an interop patch for the appliance's
// audio backend, not general SDP manipulation; keep it isolated here.
func preferStereo(sdp string) string {
	if strings.Contains(sdp, "stereo=1") {
		return sdp
	}
	for _, fec := range []string{"useinbandfec=1", "useinbandfec=0"} {
		sdp = strings.ReplaceAll(sdp, fec, fec+";stereo=1;sprop-stereo=1")
	}
	return sdp
}
