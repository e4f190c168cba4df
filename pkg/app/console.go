package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	log "github.com/echocat/slf4g"

	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

// console is the interactive command surface. It runs on its own goroutine;
// the service commands it issues are safe to call from there.
type console struct {
	service *mixer.Service
	quit    context.CancelFunc
}

func (this *console) run(ctx context.Context) {
	l, err := readline.NewEx(&readline.Config{
		Prompt: "> ",
		Stdin:  os.Stdin,
		Stdout: os.Stderr,
	})
	if err != nil {
		log.WithError(err).
			Error("Cannot open terminal. Commands are unavailable.")
		return
	}
	defer func() {
		_ = l.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			this.quit()
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).
					Error("Cannot read from terminal. Commands are unavailable.")
				this.quit()
			}
			return
		}
		this.execute(strings.Fields(line))
	}
}

func (this *console) execute(args []string) {
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "list":
		for _, info := range this.service.Sessions() {
			muted := " "
			if info.Muted {
				muted = "M"
			}
			fmt.Printf("%7d %s %3d%% %s\n", info.Pid, muted, info.Volume, info.Name)
		}
	case "vol":
		pid, volume, ok := this.parsePidAndValue(args)
		if !ok {
			return
		}
		if err := this.service.SetVolume(pid, volume); err != nil {
			fmt.Printf("cannot set volume: %v\n", err)
		}
	case "mute", "unmute":
		pid, ok := this.parsePid(args)
		if !ok {
			return
		}
		if err := this.service.SetMute(pid, args[0] == "mute"); err != nil {
			fmt.Printf("cannot set mute state: %v\n", err)
		}
	case "start":
		if err := this.service.Start(); err != nil {
			fmt.Printf("cannot start: %v\n", err)
		}
	case "stop":
		if err := this.service.Stop(); err != nil {
			fmt.Printf("cannot stop: %v\n", err)
		}
	case "quit", "exit":
		this.quit()
	case "help":
		fmt.Print("commands: list | vol <pid> <0-100> | mute <pid> | unmute <pid> | start | stop | quit\n")
	default:
		fmt.Printf("unknown command %q; try 'help'\n", args[0])
	}
}

func (this *console) parsePid(args []string) (uint32, bool) {
	if len(args) != 2 {
		fmt.Printf("usage: %s <pid>\n", args[0])
		return 0, false
	}
	pid, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Printf("illegal pid %q\n", args[1])
		return 0, false
	}
	return uint32(pid), true
}

func (this *console) parsePidAndValue(args []string) (uint32, int, bool) {
	if len(args) != 3 {
		fmt.Printf("usage: %s <pid> <value>\n", args[0])
		return 0, 0, false
	}
	pid, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Printf("illegal pid %q\n", args[1])
		return 0, 0, false
	}
	value, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Printf("illegal value %q\n", args[2])
		return 0, 0, false
	}
	return uint32(pid), value, true
}
