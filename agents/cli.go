package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	pkg "github.com/linguaflow/realtime"
	"github.com/linguaflow/realtime/shared"
	"github.com/linguaflow/realtime/tools"
)

const (
	playbackBufferMs      = 100
	playbackRingSeconds   = 10
	transcriptUserPrefix  = "🧑 "
	transcriptAgentPrefix = "🤖 "
)

// desktopSpeakerRoute is the speaker enforcement on desktop: the default
// output device is already the speaker, so there is nothing to force.
type desktopSpeakerRoute struct {
	logger shared.LoggerAdapter
}

func (r *desktopSpeakerRoute) EnforceSpeaker() error {
	r.logger.Debug("speaker routing enforced (desktop default output)")
	return nil
}

// CLIAgent runs a tutoring session from a terminal: microphone in, speakers
// out, finalized transcript lines rendered through the printer.
type CLIAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	manager  *pkg.Manager
	micTrack mediadevices.Track

	mu sync.Mutex
}

// Spawn wires the session core to the local audio devices and starts a
// session for the given level and speech rate. It returns once the session
// is connected or has failed.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	backendURL string,
	realtimeURL string,
	levelID *int,
	speed float64,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Spawning voice tutor...\n", 0); err != nil {
		a.logger.Error("printing spawn message", err)
	}

	// Microphone access and opus encoding
	opusParams, err := opus.NewParams()
	if err != nil {
		a.logger.Error("creating opus params", err)
		return err
	}
	micStream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		a.logger.Error("getting microphone stream", err)
		if perr := a.printer.Writeln("❌ Unable to access microphone. Please check that it is connected and permitted.\n", 0); perr != nil {
			a.logger.Error("printing microphone failure message", perr)
		}
		return err
	}
	audioTracks := micStream.GetAudioTracks()
	if len(audioTracks) == 0 {
		err := errors.New("no audio track found in microphone stream")
		a.logger.Error("locating microphone track", err)
		return err
	}
	a.micTrack = audioTracks[0]
	a.logger.Info("microphone stream obtained successfully")
	if err := a.printer.Writeln("✅ Microphone ready.\n", 0); err != nil {
		a.logger.Error("printing microphone ready message", err)
	}

	// Session core wiring
	fetcher, err := pkg.NewSessionConfigFetcher(logger, backendURL)
	if err != nil {
		return err
	}
	signaler, err := pkg.NewSignalingExchanger(logger, realtimeURL)
	if err != nil {
		return err
	}
	guard, err := pkg.NewAudioRouteGuard(logger, &desktopSpeakerRoute{logger: logger})
	if err != nil {
		return err
	}

	factory := func(fctx context.Context, flogger shared.LoggerAdapter) (pkg.Transport, error) {
		tr, err := pkg.NewWebRTCTransport(flogger, func(track *webrtc.TrackRemote) {
			flogger.Info(
				"received agent track",
				zap.String("kind", track.Kind().String()),
				zap.String("codec", track.Codec().MimeType),
			)
			tools.PlayAgentAudio(ctx, flogger, track, playbackBufferMs, playbackRingSeconds)
		})
		if err != nil {
			return nil, err
		}
		go tools.StreamMicrophone(
			ctx, flogger, tr.LocalTrack(), a.micTrack,
			time.Duration(opusParams.Latency), tr.MicEnabled,
		)
		return tr, nil
	}

	manager, err := pkg.NewManager(
		logger, fetcher, signaler, guard, factory,
		pkg.WithServerEventHook(a.renderEvent),
		pkg.WithOutcomeFunc(func(levelID int, passed bool) {
			logger.Info("level outcome", zap.Int("level", levelID), zap.Bool("passed", passed))
		}),
	)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.manager = manager
	a.mu.Unlock()

	if err := a.printer.Writeln("📞 Connecting session...\n", 0); err != nil {
		a.logger.Error("printing connect message", err)
	}
	if err := manager.Start(ctx, levelID, speed); err != nil {
		a.logger.Error("starting session", err)
		return err
	}

	// Echo the live session parameters so the learner can see what they got.
	cfgView := map[string]any{
		"status": manager.Status().String(),
		"level":  levelID,
		"speed":  speed,
	}
	yamlBytes, err := yaml.MarshalWithOptions(cfgView, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session view to yaml", err)
	} else if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session view", err)
	}
	return a.printer.Writeln("\n✅ Connected. Speak when ready.\n", 0)
}

// renderEvent prints finalized transcript lines as they arrive.
func (a *CLIAgent) renderEvent(event *pkg.ServerEvent) {
	switch p := event.Param.(type) {
	case *pkg.ServerEventParamAudioTranscriptDone:
		if err := a.printer.Writeln(transcriptAgentPrefix+p.Transcript, 0); err != nil {
			a.logger.Error("printing agent transcript", err)
		}
	case *pkg.ServerEventParamInputAudioTranscriptionCompleted:
		if err := a.printer.Writeln(transcriptUserPrefix+p.Transcript, 0); err != nil {
			a.logger.Error("printing user transcript", err)
		}
	}
}

// SendText forwards a typed message into the conversation.
func (a *CLIAgent) SendText(text string) error {
	a.mu.Lock()
	manager := a.manager
	a.mu.Unlock()
	if manager == nil {
		return errors.New("agent not spawned")
	}
	return manager.SendText(text)
}

// ToggleMute flips the microphone mute and reports the new state.
func (a *CLIAgent) ToggleMute() bool {
	a.mu.Lock()
	manager := a.manager
	a.mu.Unlock()
	if manager == nil {
		return false
	}
	return manager.ToggleMuted()
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	manager := a.manager
	mic := a.micTrack
	a.mu.Unlock()
	if manager != nil {
		manager.Stop()
	}
	if mic != nil {
		if err := mic.Close(); err != nil {
			return err
		}
	}
	return nil
}
