//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureEngine owns the VP8/Opus codec selector. The same selector populates
// the MediaEngine so the negotiated codecs match what the encoders produce.
type captureEngine struct {
	selector *mediadevices.CodecSelector
	cfg      RTCConfig
}

func newCaptureEngine(cfg RTCConfig, me *webrtc.MediaEngine) (*captureEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	selector.Populate(me)
	return &captureEngine{selector: selector, cfg: cfg}, nil
}

type captureAttempt struct {
	video bool
	audio bool
	label string
}

func (c *captureEngine) attempts() []captureAttempt {
	if !c.cfg.Audio {
		return []captureAttempt{{true, false, "video-only"}}
	}
	return []captureAttempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
}

// acquire opens camera and microphone. GetUserMedia fails as a unit when one
// device is missing, so narrower combinations are tried before giving up.
func (c *captureEngine) acquire(ctx context.Context) (LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrMediaAcquisitionFailed)
	}
	for _, d := range devices {
		log.Printf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}

	var lastErr error
	for _, a := range c.attempts() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG nodes on some cameras emit frames
				// the VP8 encoder cannot digest.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if c.cfg.VideoWidth > 0 {
					mc.Width = prop.IntRanged{Max: c.cfg.VideoWidth}
				}
				if c.cfg.VideoHeight > 0 {
					mc.Height = prop.IntRanged{Max: c.cfg.VideoHeight}
				}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		media := &rtcMedia{}
		for _, track := range stream.GetTracks() {
			tr := track
			tr.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local %s track ended: %v", tr.Kind(), err)
				}
			})
			media.tracks = append(media.tracks, newRTCTrack(tr, tr.Close))
		}
		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(media.tracks))
		return media, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt succeeded")
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, lastErr)
}
