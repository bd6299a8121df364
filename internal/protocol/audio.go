package protocol

// AudioFrameSampleRate and AudioFrameChannels describe the fixed PCM
// format endpoints stream: 16-bit little-endian PCM at 16kHz mono.
const (
	AudioFrameSampleRate = 16000
	AudioFrameChannels   = 1
	AudioFrameBitDepth   = 16
)

// ValidateAudioFrame reports whether data looks like a well-formed PCM16
// frame. An odd length is not fatal — §4.1 treats it as a warning — so
// the bool return is advisory; callers should log, not reject.
func ValidateAudioFrame(data []byte) (samples int, oddLength bool) {
	oddLength = len(data)%2 != 0
	samples = len(data) / 2
	return samples, oddLength
}
