//go:build windows

package audio

import (
	"fmt"
	"sync"

	"github.com/go-ole/go-ole"

	"github.com/blaubaer/volume-mixer/pkg/common"
	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

type Stack struct {
	initialized bool
	mutex       sync.RWMutex
}

func (this *Stack) SetupConfiguration(_ common.FlagHolder) {}

func (this *Stack) Initialize() error {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.initialized {
		return nil
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		return fmt.Errorf("failed to initialize ole: %v", err)
	}

	this.initialized = true
	return nil
}

func (this *Stack) Dispose() error {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if !this.initialized {
		return nil
	}

	ole.CoUninitialize()
	this.initialized = false

	return nil
}

// OpenSource hands out a mixer.Source bound to the default render endpoint.
func (this *Stack) OpenSource() (mixer.Source, error) {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	if !this.initialized {
		return nil, fmt.Errorf("not initialized")
	}

	return &wcaSource{}, nil
}
