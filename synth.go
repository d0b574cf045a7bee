package cadenza

// Synth turns bus events into audio. Both methods are only called from the
// audio render goroutine and must neither block nor allocate. Each bus keeps
// its own voices and sustain pedal.
type Synth interface {
	HandleEvent(bus Bus, e MIDIEvent)
	// Render overwrites out with the audio of the bus.
	Render(bus Bus, out AudioBuffer)
}
