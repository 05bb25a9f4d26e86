package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/media"
)

// newEngine builds the codec selector and the WebRTC API sharing it. VP8+Opus
// only; the selector must populate the media engine before the API is built
// or the captured tracks will not negotiate.
func newEngine() (*mediadevices.CodecSelector, *webrtc.API, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return selector, api, nil
}

// captureTracks opens microphone and camera as one unit. A consultation needs
// both; there is no audio-only fallback here, the caller treats any failure
// as fatal and releases whatever came back.
func captureTracks(selector *mediadevices.CodecSelector) ([]media.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG camera nodes produce frames the VP8 encoder chokes on.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatI420,
				frame.FormatYUY2,
				frame.FormatUYVY,
				frame.FormatNV21,
				frame.FormatNV12,
			}
			c.Width = prop.IntRanged{Min: 320, Ideal: 640, Max: 1280}
			c.Height = prop.IntRanged{Min: 240, Ideal: 480, Max: 720}
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var tracks []media.LocalTrack
	for _, t := range stream.GetTracks() {
		lt := newLocalTrack(t)
		log.Debug().Str("module", "adapters.rtc").
			Str("kind", string(lt.Kind())).Str("track_id", t.ID()).
			Msg("local track acquired")
		tracks = append(tracks, lt)
	}
	return tracks, nil
}
