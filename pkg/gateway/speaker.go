package gateway

// SpeakerVerifier decides whether an inbound audio frame may be forwarded
// to the STT upstream. It runs on every frame while the session is
// listening, before the frame touches the network.
type SpeakerVerifier func(pcm []byte) bool

// AllowAll is the verifier used when speaker verification is not
// configured: every frame passes.
func AllowAll([]byte) bool { return true }
