package tools

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		size:   0,
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped = drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 {
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

// StreamMicrophone forwards encoded microphone frames into the session's
// local track. The gate is consulted per frame; while it reports false the
// frame is read and dropped, so capture keeps flowing but nothing reaches
// the agent. Used as the MicGate target of the AudioRouteGuard.
func StreamMicrophone(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackLocalStaticSample,
	mediaTrack mediadevices.Track,
	frameDuration time.Duration,
	gate func() bool,
) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			logger.Error("reading from media track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		if gate != nil && !gate() {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("failed to write sample to track", err)
			continue
		}
	}
}

// PlayAgentAudio decodes the agent's opus track and plays it on the default
// output device.
func PlayAgentAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, otoBufferMs, ringBufferSeconds int) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	logger.Info("playing agent audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}

	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(otoBufferMs) * time.Millisecond,
		},
	)
	if err != nil {
		logger.Error("creating oto context", err)
		return
	}
	audioBuffer := NewAudioBuffer(ringBufferSeconds * sampleRate * channels * 2)
	pcm := make([]int16, FrameSamples(time.Duration(otoBufferMs)*time.Millisecond, sampleRate, channels))

	<-ready
	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			rtp, _, err := track.ReadRTP()
			if err != nil {
				if err != io.EOF {
					logger.Error("reading RTP packet", err)
				}
				return
			}
			if len(rtp.Payload) == 0 {
				continue
			}
			// Decode Opus to PCM 16-bit
			n, err := decoder.Decode(rtp.Payload, pcm)
			if err != nil {
				logger.Error("decoding Opus", err)
				continue
			}
			pcmSlice := pcm[:n*channels]
			pcmBytes := make([]byte, len(pcmSlice)*2)
			for i := range len(pcmSlice) {
				binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(pcmSlice[i]))
			}
			dropped := audioBuffer.Write(pcmBytes)
			if dropped > 0 {
				logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
			}
		}
	}
}
