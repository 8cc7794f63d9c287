package pipeline

import (
	"context"
	"fmt"

	"github.com/zsiec/trickle/media"
)

// Passthrough returns a ProcessFunc that republishes every input frame
// unchanged, tagged with requestID.
func Passthrough(requestID string) ProcessFunc {
	return func(_ context.Context, in media.InputFrame) ([]media.OutputFrame, error) {
		var (
			out media.OutputFrame
			err error
		)
		switch f := in.(type) {
		case *media.VideoFrame:
			out, err = media.NewVideoOutput(f, requestID)
		case *media.AudioFrame:
			out, err = media.NewAudioOutput([]*media.AudioFrame{f}, requestID)
		default:
			return nil, fmt.Errorf("pipeline: unsupported frame kind %s", in.Kind())
		}
		if err != nil {
			return nil, err
		}
		return []media.OutputFrame{out}, nil
	}
}
