package app

import (
	"context"
	"errors"
	"os"

	"dario.cat/mergo"
	log "github.com/echocat/slf4g"

	"github.com/blaubaer/volume-mixer/pkg/audio"
	"github.com/blaubaer/volume-mixer/pkg/common"
	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

func NewApp() *App {
	return &App{
		config: NewConfiguration(),
	}
}

type App struct {
	AudioStack        audio.Stack
	ConfigurationFile string

	configFromFlags Configuration
	config          Configuration
}

func (this *App) SetupConfiguration(using common.FlagHolder) {
	this.AudioStack.SetupConfiguration(using)
	this.configFromFlags.SetupConfiguration(using)

	using.Flag("configuration", "Defines the file from which the configuration should be loaded and/or stored to.").
		Short('c').
		StringVar(&this.ConfigurationFile)
}

func (this *App) Initialize() (rErr error) {
	success := false
	defer func() {
		if !success {
			if err := this.Dispose(); err != nil && rErr == nil {
				rErr = err
			}
		}
	}()

	if err := this.loadConf(); err != nil {
		return err
	}
	if err := mergo.Merge(&this.config, this.configFromFlags); err != nil {
		return err
	}

	if err := this.AudioStack.Initialize(); err != nil {
		return err
	}

	if err := this.saveConf(); err != nil {
		return err
	}

	success = true
	return nil
}

// Run starts the session service and pumps its notifications on the calling
// goroutine until ctx is done. The calling goroutine is the home context;
// every notification the service raises is observed here.
func (this *App) Run(ctx context.Context) error {
	source, err := this.AudioStack.OpenSource()
	if err != nil {
		return err
	}

	marshaler := mixer.NewMarshaler()
	service := mixer.New(source, marshaler, &logListener{})
	service.Filter = this.isSessionRelevant

	if err := service.Start(); err != nil {
		return err
	}
	defer func() {
		if err := service.Stop(); err != nil && !errors.Is(err, mixer.ErrNotStarted) {
			log.WithError(err).
				Warn("Cannot stop audio session service cleanly.")
		}
	}()

	ctxInner, cancel := context.WithCancel(ctx)
	defer cancel()

	console := &console{service, cancel}
	go console.run(ctxInner)

	marshaler.Run(ctxInner)
	return nil
}

func (this *App) isSessionRelevant(name string) bool {
	if v := this.config.IncludedSessionNames; v.HasContent() {
		if !v.MatchString(name) {
			return false
		}
	}
	if v := this.config.ExcludedSessionNames; v.HasContent() {
		if v.MatchString(name) {
			return false
		}
	}
	return true
}

func (this *App) loadConf() error {
	if fn := this.ConfigurationFile; fn != "" {
		return this.config.loadFromFile(fn, false)
	}
	return this.config.loadDefault(true)
}

func (this *App) saveConf() error {
	if this.config.PreventAutoSave {
		log.Debug("Automatically save of configuration disabled.")
		return nil
	}
	if this.ConfigurationFile != "" {
		return nil
	}

	fn := defaultConfigurationFile()
	_, err := os.Stat(fn)
	if os.IsNotExist(err) {
		// Ok, we should save...
	} else if err != nil {
		return err
	} else {
		// Does exist, skip...
		return nil
	}

	if err := this.config.saveToFile(fn); err != nil {
		return err
	}

	log.With("file", fn).Info("Configuration saved.")

	return nil
}

func (this *App) Dispose() error {
	return this.AudioStack.Dispose()
}

// logListener is the default client of the service: it reports every
// notification through the log, on the home context.
type logListener struct{}

func (this *logListener) OnStartFailed(err error) {
	log.WithError(err).
		Error("Cannot start audio session service. Use 'start' to retry.")
}

func (this *logListener) OnSessionCreated(info mixer.SessionInfo) {
	log.With("pid", info.Pid).
		With("name", info.Name).
		With("volume", info.Volume).
		With("muted", info.Muted).
		Info("Session appeared.")
}

func (this *logListener) OnSessionRemoved(pid uint32) {
	log.With("pid", pid).
		Info("Session disappeared.")
}

func (this *logListener) OnSessionVolumeChanged(pid uint32, volume int, muted bool) {
	log.With("pid", pid).
		With("volume", volume).
		With("muted", muted).
		Info("Session volume changed.")
}
