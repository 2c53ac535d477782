package main

import (
	"log"

	"github.com/gordonklaus/portaudio"

	"opusjam/internal/codec"
	"opusjam/internal/player"
	"opusjam/internal/recorder"
)

// device owns the two PortAudio streams feeding the recorder (capture)
// and drawing from the player (playback). Grounded on the teacher's
// AudioEngine.Start/captureLoop/playbackLoop in client/audio.go, reduced
// to the single fixed sample rate and frame size the codec mandates and
// driven by blocking Read/Write calls in per-stream goroutines rather
// than the teacher's float32 buffers (the codec here speaks int16
// directly, so no float<->int16 conversion stage is needed).
type device struct {
	capture  *portaudio.Stream
	playback *portaudio.Stream

	rec *recorder.Recorder
	ply *player.Player

	stop chan struct{}
	done chan struct{}
}

// openDevice initializes PortAudio and opens the default input and
// output streams at codec.SampleRate/codec.FrameSamples, wiring capture
// reads into rec.Callback and mixed player output into playback writes.
func openDevice(rec *recorder.Recorder, ply *player.Player) (*device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	captureBuf := make([]int16, codec.FrameSamples)
	capture, err := portaudio.OpenDefaultStream(codec.Channels, 0, float64(codec.SampleRate), codec.FrameSamples, captureBuf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	playbackBuf := make([]int16, codec.FrameSamples)
	playback, err := portaudio.OpenDefaultStream(0, codec.Channels, float64(codec.SampleRate), codec.FrameSamples, playbackBuf)
	if err != nil {
		capture.Close()
		portaudio.Terminate()
		return nil, err
	}

	d := &device{
		capture:  capture,
		playback: playback,
		rec:      rec,
		ply:      ply,
		stop:     make(chan struct{}),
		done:     make(chan struct{}, 2),
	}

	if err := capture.Start(); err != nil {
		capture.Close()
		playback.Close()
		portaudio.Terminate()
		return nil, err
	}
	if err := playback.Start(); err != nil {
		capture.Stop()
		capture.Close()
		playback.Close()
		portaudio.Terminate()
		return nil, err
	}

	go d.captureLoop(captureBuf)
	go d.playbackLoop(playbackBuf)
	return d, nil
}

// openCaptureOnly opens just the input stream, for --silent runs that
// contribute audio without rendering anything locally.
func openCaptureOnly(rec *recorder.Recorder) (*device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	captureBuf := make([]int16, codec.FrameSamples)
	capture, err := portaudio.OpenDefaultStream(codec.Channels, 0, float64(codec.SampleRate), codec.FrameSamples, captureBuf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := capture.Start(); err != nil {
		capture.Close()
		portaudio.Terminate()
		return nil, err
	}

	d := &device{
		capture: capture,
		rec:     rec,
		stop:    make(chan struct{}),
		done:    make(chan struct{}, 1),
	}
	go d.captureLoop(captureBuf)
	return d, nil
}

func (d *device) captureLoop(buf []int16) {
	defer func() { d.done <- struct{}{} }()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if err := d.capture.Read(); err != nil {
			log.Printf("[device] capture read: %v", err)
			return
		}
		d.rec.Callback(buf)
	}
}

func (d *device) playbackLoop(buf []int16) {
	defer func() { d.done <- struct{}{} }()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		copy(buf, d.ply.Callback())
		if err := d.playback.Write(); err != nil {
			log.Printf("[device] playback write: %v", err)
			return
		}
	}
}

// Close stops every running stream loop and tears down PortAudio.
func (d *device) Close() {
	close(d.stop)
	<-d.done
	d.capture.Stop()
	d.capture.Close()
	if d.playback != nil {
		<-d.done
		d.playback.Stop()
		d.playback.Close()
	}
	portaudio.Terminate()
}
