package synth

import (
	"math"

	"github.com/cadenzaio/cadenza"
)

type (
	// Piano is a digital waveguide piano: every note is one to three
	// slightly detuned strings, each a delay line with loss and dispersion
	// filters, struck by a nonlinear hammer. All delay lines are allocated
	// up front, so events and rendering never allocate.
	Piano struct {
		sampleRate float32
		buses      [cadenza.NumBuses]pianoBus
	}

	pianoBus struct {
		voices  []pianoVoice
		sustain bool
	}

	pianoVoice struct {
		active    bool
		note      uint8
		keyDown   bool
		sustained bool
		velocity  float32
		gain      float32 // smoothed output level, used for stealing
		outGain   float32
		damper    float32
		pan       float32
		released  int // samples since the key and the pedal let go

		hammer  hammer
		click   hammerClick
		strings [maxStringsPerNote]pianoString
		nString int
	}

	pianoString struct {
		buf          []float32
		delay        []float32 // buf[:length]
		idx          int
		frac         float32
		strikeOffset int

		lp, lpAttack, lpSustain float32
		feedback                float32
		last                    float32
		tone, toneDecay         float32
		avg                     float32
		pickup                  float32
		ap1, ap2                allpass
	}

	allpass struct{ coeff, x1, y1 float32 }

	hammer struct {
		active    bool
		pos, vel  float32
		k, p      float32
		dt        float32
		prevForce float32
		excGain   float32

		shaper    [hammerShaperMax]float32
		shaperIdx int
		shaperLen int
		shaperSum float32
	}

	hammerClick struct {
		rng       uint32
		lp, lpK   float32
		remaining int
		total     int
		amp       float32
	}
)

const (
	maxDelaySamples   = 4096
	maxStringsPerNote = 3
	hammerShaperMax   = 512
	// a released voice below this level is freed
	silentGain = 0.0008
	// a released voice is freed after this many seconds regardless
	maxReleaseSeconds = 4
)

// NewPiano returns a piano with voices voices per bus; fewer than 8 are
// raised to 8.
func NewPiano(sampleRate, voices int) *Piano {
	voices = max(voices, 8)
	p := &Piano{sampleRate: float32(max(sampleRate, 1))}
	for b := range p.buses {
		p.buses[b].voices = make([]pianoVoice, voices)
		for i := range p.buses[b].voices {
			v := &p.buses[b].voices[i]
			for s := range v.strings {
				v.strings[s].buf = make([]float32, maxDelaySamples)
			}
		}
	}
	return p
}

// SetSampleRate silences every voice. It must not be called while a stream
// renders.
func (p *Piano) SetSampleRate(sampleRate int) {
	p.sampleRate = float32(max(sampleRate, 1))
	for b := range p.buses {
		p.buses[b].sustain = false
		for i := range p.buses[b].voices {
			p.buses[b].voices[i].active = false
		}
	}
}

// Active returns the number of sounding voices on bus.
func (p *Piano) Active(bus cadenza.Bus) int {
	n := 0
	for _, v := range p.buses[bus].voices {
		if v.active {
			n++
		}
	}
	return n
}

func (p *Piano) HandleEvent(bus cadenza.Bus, e cadenza.MIDIEvent) {
	if bus < 0 || bus >= cadenza.NumBuses {
		return
	}
	b := &p.buses[bus]
	switch e.Kind {
	case cadenza.NoteOn:
		p.noteOn(b, e.Note&127, e.Value)
	case cadenza.NoteOff:
		for i := range b.voices {
			v := &b.voices[i]
			if v.active && v.keyDown && v.note == e.Note {
				v.keyDown = false
				v.sustained = b.sustain
			}
		}
	case cadenza.Sustain:
		b.sustain = e.SustainDown()
		if b.sustain {
			return
		}
		for i := range b.voices {
			b.voices[i].sustained = false
		}
	case cadenza.AllNotesOff:
		b.sustain = false
		for i := range b.voices {
			b.voices[i].keyDown, b.voices[i].sustained = false, false
		}
	}
}

// allocate returns a free voice, or else the quietest one.
func (b *pianoBus) allocate() *pianoVoice {
	best := 0
	for i := range b.voices {
		if !b.voices[i].active {
			return &b.voices[i]
		}
		if b.voices[i].gain < b.voices[best].gain {
			best = i
		}
	}
	return &b.voices[best]
}

func (p *Piano) noteOn(b *pianoBus, note, velocity uint8) {
	vel := clamp32(float32(velocity)/127, 0.02, 1)
	v := b.allocate()
	v.active, v.note, v.velocity = true, note, vel
	v.keyDown, v.sustained = true, false
	v.gain, v.damper, v.released = 0, 0, 0
	v.pan = clamp32(float32(int(note)-60)/48, -1, 1) * 0.5
	v.outGain = pow32(vel, 1.25) * 0.32

	sr := p.sampleRate
	freq := noteHz(note)
	seed := 0xA5A51234 ^ uint32(note)<<8 ^ uint32(velocity)
	v.hammer.start(sr, note, vel)
	v.click.start(sr, note, vel, seed)
	var detunes [maxStringsPerNote]float32
	v.nString, detunes = stringPlan(note)
	for i := 0; i < v.nString; i++ {
		v.strings[i].init(sr/(freq*(1+detunes[i])), vel, note)
	}
}

func (p *Piano) Render(bus cadenza.Bus, out cadenza.AudioBuffer) {
	out.Clear()
	if bus < 0 || bus >= cadenza.NumBuses {
		return
	}
	b := &p.buses[bus]
	frames := out.Frames()
	limit := int(p.sampleRate * maxReleaseSeconds)
	for i := range b.voices {
		v := &b.voices[i]
		if !v.active {
			continue
		}
		v.render(out)
		if v.keyDown || v.sustained {
			continue
		}
		v.released += frames
		if v.gain < silentGain || v.released >= limit {
			v.active = false
		}
	}
}

func (v *pianoVoice) render(out cadenza.AudioBuffer) {
	const damperK, ampK = 0.02, 0.01
	left, right := 0.5-v.pan*0.5, 0.5+v.pan*0.5
	n := float32(v.nString)
	for f := 0; f < out.Frames(); f++ {
		target := float32(1)
		if v.keyDown || v.sustained {
			target = 0
		}
		v.damper += (target - v.damper) * damperK

		var disp float32
		for i := 0; i < v.nString; i++ {
			disp += v.strings[i].strikeDisp()
		}
		exc := v.hammer.tick(disp/n) / n
		var raw float32
		for i := 0; i < v.nString; i++ {
			v.strings[i].inject(exc)
			raw += v.strings[i].tick(v.damper)
		}
		raw += v.click.tick()
		v.gain += (abs32(raw) - v.gain) * ampK

		x := raw * v.outGain
		out[2*f] += x * left
		out[2*f+1] += x * right
	}
}

func (s *pianoString) init(delay, vel float32, note uint8) {
	delay = clamp32(delay, 8, maxDelaySamples-1)
	length := int(delay)
	s.frac = clamp32(delay-float32(length), 0, 0.999)
	s.delay = s.buf[:length]
	clear(s.delay)
	s.idx = 0
	s.strikeOffset = min(max(int(math.Round(float64(delay*strikePosition(note)))), 1), max(length-1, 1))
	s.lp, s.last = 0, 0
	s.ap1, s.ap2 = allpass{}, allpass{}

	t := noteSpan(note)
	brightness := clamp32(0.18+0.82*vel, 0.05, 1)
	baseLP := (0.018 + 0.22*brightness) * clamp32(0.95+0.25*t, 0.85, 1.35)
	s.lpAttack = clamp32(baseLP*(1.18+0.22*vel), 0.01, 0.55)
	s.lpSustain = clamp32(baseLP*0.55, 0.005, 0.35)
	// low strings ring longer
	decay := 0.9996 - t*0.0014
	s.feedback = clamp32(decay*(0.994+0.005*vel), 0.965, 0.99995)
	s.tone = 1
	s.toneDecay = clamp32(0.99997-0.00005*vel-0.00002*t, 0.99985, 0.99999)
	s.avg = clamp32(0.38-0.28*t, 0.04, 0.42)
	s.pickup = clamp32(0.75-0.4*t, 0.25, 0.85)
	s.ap1.coeff = clamp32(0.03+0.24*t, 0, 0.6)
	s.ap2.coeff = clamp32(0.01+0.12*t, 0, 0.6)
}

func (s *pianoString) strikeDisp() float32 {
	return s.delay[(s.idx+s.strikeOffset)%len(s.delay)]
}

func (s *pianoString) inject(amount float32) {
	i := (s.idx + s.strikeOffset) % len(s.delay)
	s.delay[i] = clamp32(s.delay[i]+amount, -1, 1)
}

func (s *pianoString) tick(damper float32) float32 {
	n := len(s.delay)
	next := s.idx + 1
	if next == n {
		next = 0
	}
	read := s.delay[s.idx]*(1-s.frac) + s.delay[next]*s.frac

	k := (s.lpSustain + (s.lpAttack-s.lpSustain)*s.tone) * (1 - 0.85*damper)
	s.lp += clamp32(k, 0.002, 0.6) * (read - s.lp)
	y := s.lp*(1-s.avg) + s.last*s.avg
	s.last = y
	y = s.ap2.process(s.ap1.process(y))

	s.delay[s.idx] = y * clamp32(s.feedback-0.02*damper, 0, 0.99995)
	s.idx = next
	s.tone *= s.toneDecay
	return (read + (y-read)*s.pickup) * 0.85
}

func (a *allpass) process(x float32) float32 {
	if abs32(a.coeff) <= 0.0001 {
		return x
	}
	y := -a.coeff*x + a.x1 + a.coeff*a.y1
	a.x1, a.y1 = x, y
	return y
}

func (h *hammer) start(sr float32, note uint8, vel float32) {
	t := noteSpan(note)
	h.active = true
	h.dt = 1 / sr
	h.pos, h.prevForce = 0, 0
	h.vel = 60 + 260*pow32(vel, 1.5)
	h.k = lerp32(6e6, 2.4e7, pow32(vel, 1.7))
	h.p = lerp32(2.15, 3.25, pow32(vel, 0.7))
	h.excGain = clamp32((0.010+0.030*pow32(vel, 1.2))*(0.75+0.55*t), 0.003, 0.08)

	// soft strikes keep the felt on the string longer, which darkens them
	contactMs := clamp32(lerp32(2.8, 0.85, pow32(vel, 0.65))*lerp32(1.25, 0.75, t), 0.5, 4)
	h.shaperLen = min(max(int(math.Round(float64(sr*contactMs/1000))), 1), hammerShaperMax-1)
	h.shaper = [hammerShaperMax]float32{}
	h.shaperIdx, h.shaperSum = 0, 0
}

// tick advances the hammer against the string displacement at the strike
// point and returns the force change smoothed over the contact time.
func (h *hammer) tick(disp float32) float32 {
	if !h.active {
		return 0
	}
	if h.pos <= disp && h.vel <= 0 && abs32(h.prevForce) < 1e-6 {
		h.active = false
		h.prevForce = 0
		return 0
	}
	force := h.k * pow32(max(h.pos-disp, 0), h.p)
	h.vel = (h.vel - force*h.dt) * 0.9996
	h.pos += h.vel * h.dt
	exc := clamp32((force-h.prevForce)*h.excGain, -0.6, 0.6)
	h.prevForce = force

	read := (h.shaperIdx + hammerShaperMax - h.shaperLen) % hammerShaperMax
	h.shaperSum += exc - h.shaper[read]
	h.shaper[h.shaperIdx] = exc
	h.shaperIdx = (h.shaperIdx + 1) % hammerShaperMax
	return h.shaperSum / float32(h.shaperLen)
}

func (c *hammerClick) start(sr float32, note uint8, vel float32, seed uint32) {
	t := noteSpan(note)
	c.rng = seed ^ uint32(note)*0x9E3779B9
	fc := 1200 + 2400*t
	c.lpK = clamp32(1-float32(math.Exp(float64(-2*math.Pi*fc/sr))), 0.01, 0.35)
	c.lp = 0
	c.total = min(max(int(math.Round(float64(sr*(0.6+1.0*(1-vel))/1000))), 16), 256)
	c.remaining = c.total
	c.amp = (0.008 + 0.015*t) * pow32(vel, 2.2)
}

// tick returns the high passed noise of the hammer hitting the string.
func (c *hammerClick) tick() float32 {
	if c.remaining == 0 {
		return 0
	}
	c.rng = c.rng*1664525 + 1013904223
	n := math.Float32frombits(c.rng>>9|0x3F800000)*2 - 3
	c.lp += c.lpK * (n - c.lp)
	env := float32(c.remaining) / float32(c.total)
	c.remaining--
	return (n - c.lp) * env * env * c.amp
}

// stringPlan gives the number of strings of a note and their detuning.
func stringPlan(note uint8) (int, [maxStringsPerNote]float32) {
	switch {
	case note >= 55:
		return 3, [maxStringsPerNote]float32{-0.0026, 0, 0.0019}
	case note >= 35:
		return 2, [maxStringsPerNote]float32{-0.0018, 0.0013, 0}
	}
	return 1, [maxStringsPerNote]float32{}
}

// strikePosition is the fraction of the string length where the hammer hits,
// about 1/7 in the bass to 1/9 in the treble.
func strikePosition(note uint8) float32 {
	return clamp32(0.16-0.05*noteSpan(note), 0.10, 0.18)
}

// noteSpan maps the piano range A0..C8 to 0..1.
func noteSpan(note uint8) float32 { return clamp32((float32(note)-21)/87, 0, 1) }

func noteHz(note uint8) float32 {
	return float32(440 * math.Pow(2, (float64(note)-69)/12))
}

func clamp32(x, lo, hi float32) float32 { return min(max(x, lo), hi) }
func lerp32(a, b, t float32) float32    { return a + (b-a)*clamp32(t, 0, 1) }
func pow32(x, y float32) float32        { return float32(math.Pow(float64(x), float64(y))) }

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
