//go:build !windows

package audio

import (
	"errors"

	"github.com/blaubaer/volume-mixer/pkg/common"
	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

// ErrUnsupportedPlatform is returned on platforms without a Core Audio
// session API.
var ErrUnsupportedPlatform = errors.New("audio sessions are not supported on this platform")

type Stack struct{}

func (this *Stack) SetupConfiguration(_ common.FlagHolder) {}

func (this *Stack) Initialize() error {
	return nil
}

func (this *Stack) Dispose() error {
	return nil
}

func (this *Stack) OpenSource() (mixer.Source, error) {
	return nil, ErrUnsupportedPlatform
}
