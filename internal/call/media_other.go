//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// captureEngine has no camera/microphone drivers outside Linux; pion still
// negotiates the default codecs so the process can build peer connections.
type captureEngine struct{}

func newCaptureEngine(_ RTCConfig, me *webrtc.MediaEngine) (*captureEngine, error) {
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return &captureEngine{}, nil
}

func (c *captureEngine) acquire(_ context.Context) (LocalMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaAcquisitionFailed, runtime.GOOS)
}
