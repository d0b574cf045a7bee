// Package musicxml imports partwise MusicXML, plain or compressed (.mxl),
// into a cadenza.Score.
package musicxml

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cadenzaio/cadenza"
	"golang.org/x/text/encoding/ianaindex"
)

type (
	scorePartwise struct {
		XMLName       xml.Name `xml:"score-partwise"`
		WorkTitle     string   `xml:"work>work-title"`
		MovementTitle string   `xml:"movement-title"`
		Parts         []part   `xml:"part"`
	}

	part struct {
		ID       string    `xml:"id,attr"`
		Measures []measure `xml:"measure"`
	}

	measure struct {
		Number   string `xml:"number,attr"`
		Implicit string `xml:"implicit,attr"`
		Items    []item `xml:",any"`
	}

	// item is any child of a measure. Only the fields of the element named
	// by XMLName are filled.
	item struct {
		XMLName xml.Name

		// note, backup, forward
		Duration *int `xml:"duration"`

		// note
		Chord    *struct{}  `xml:"chord"`
		Grace    *struct{}  `xml:"grace"`
		Rest     *struct{}  `xml:"rest"`
		Pitch    *pitch     `xml:"pitch"`
		Type     string     `xml:"type"`
		Dots     []struct{} `xml:"dot"`
		TimeMod  *timeMod   `xml:"time-modification"`
		Ties     []tie      `xml:"tie"`
		Staff    int        `xml:"staff"`
		Voice    string     `xml:"voice"`
		Dynamics string     `xml:"dynamics,attr"`

		// attributes
		Divisions int       `xml:"divisions"`
		Staves    int       `xml:"staves"`
		Time      []timeSig `xml:"time"`

		// direction holds sound as a child, a bare sound carries the tempo
		Sound []sound `xml:"sound"`
		Tempo string  `xml:"tempo,attr"`
	}

	pitch struct {
		Step   string  `xml:"step"`
		Alter  float64 `xml:"alter"`
		Octave int     `xml:"octave"`
	}

	timeMod struct {
		Actual int `xml:"actual-notes"`
		Normal int `xml:"normal-notes"`
	}

	tie struct {
		Type string `xml:"type,attr"`
	}

	timeSig struct {
		Beats    string `xml:"beats"`
		BeatType int    `xml:"beat-type"`
	}

	sound struct {
		Tempo string `xml:"tempo,attr"`
	}
)

// PPQ is the resolution of imported scores.
const PPQ = cadenza.DefaultPPQ

const defaultVelocity = 80

var (
	ErrMalformed   = errors.New("malformed MusicXML")
	ErrUnsupported = errors.New("unsupported MusicXML")
)

// ReadFile imports a .musicxml/.xml file or a compressed .mxl archive. The
// archive is recognised by its content, not by the extension.
func ReadFile(filename string) (cadenza.Score, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("reading MusicXML file failed: %w", err)
	}
	var s cadenza.Score
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		s, err = ReadCompressed(data)
	} else {
		s, err = Read(bytes.NewReader(data))
	}
	if err != nil {
		return cadenza.Score{}, err
	}
	if s.Title == "" {
		s.Title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return s, nil
}

// ReadCompressed imports the root file of an .mxl archive.
func ReadCompressed(data []byte) (cadenza.Score, error) {
	z, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name, err := rootFile(z)
	if err != nil {
		return cadenza.Score{}, err
	}
	f, err := z.Open(name)
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()
	return Read(f)
}

func rootFile(z *zip.Reader) (string, error) {
	if f, err := z.Open("META-INF/container.xml"); err == nil {
		defer f.Close()
		var c struct {
			Rootfiles []struct {
				FullPath string `xml:"full-path,attr"`
			} `xml:"rootfiles>rootfile"`
		}
		if err := newDecoder(f).Decode(&c); err == nil && len(c.Rootfiles) > 0 && c.Rootfiles[0].FullPath != "" {
			return c.Rootfiles[0].FullPath, nil
		}
	}
	for _, f := range z.File {
		if strings.HasPrefix(f.Name, "META-INF/") {
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".xml", ".musicxml":
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("%w: archive has no score", ErrMalformed)
}

// Read imports an uncompressed partwise document. Parts are merged; a part
// with two staves is split into the right (staff 1) and left (staff 2)
// hand.
func Read(r io.Reader) (cadenza.Score, error) {
	var doc scorePartwise
	if err := newDecoder(r).Decode(&doc); err != nil {
		var se xml.UnmarshalError
		if errors.As(err, &se) && strings.Contains(string(se), "score-timewise") {
			return cadenza.Score{}, fmt.Errorf("%w: timewise scores", ErrUnsupported)
		}
		return cadenza.Score{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s := cadenza.Score{PPQ: PPQ, Title: doc.WorkTitle}
	if s.Title == "" {
		s.Title = doc.MovementTitle
	}
	tempo := map[cadenza.Tick]int64{}
	for _, p := range doc.Parts {
		b := builder{divisions: 1, tempo: tempo, ties: map[tieKey]int{}}
		for _, m := range p.Measures {
			if err := b.measure(m); err != nil {
				return cadenza.Score{}, fmt.Errorf("part %s measure %s: %w", p.ID, m.Number, err)
			}
		}
		s.Playback = append(s.Playback, b.events()...)
	}
	s.Tempo = cadenza.TempoPointsFrom(tempo)
	s.Normalize()
	s.SanitizeNotePairs()
	s.BuildTargets()
	if err := s.Validate(); err != nil {
		return cadenza.Score{}, err
	}
	return s, nil
}

func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.Entity = xml.HTMLEntity
	d.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		enc, err := ianaindex.IANA.Encoding(label)
		if err != nil {
			return nil, err
		}
		if enc == nil {
			return nil, fmt.Errorf("unsupported charset %q", label)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return d
}

type (
	builder struct {
		divisions int
		staves    int
		measureQ  float64 // nominal measure length in quarters, 0 if unknown
		start     cadenza.Tick
		notes     []note
		ties      map[tieKey]int
		tempo     map[cadenza.Tick]int64
	}

	note struct {
		start, end cadenza.Tick
		key        uint8
		velocity   uint8
		hand       cadenza.Hand
	}

	tieKey struct {
		key   uint8
		staff int
		voice string
	}
)

func (b *builder) measure(m measure) error {
	cursor, furthest := b.start, b.start
	lastStart := b.start
	var touched []int
	for _, it := range m.Items {
		switch it.XMLName.Local {
		case "attributes":
			if it.Divisions > 0 {
				b.divisions = it.Divisions
			}
			if it.Staves > 0 {
				b.staves = it.Staves
			}
			for _, t := range it.Time {
				if q := t.quarters(); q > 0 {
					b.measureQ = q
				}
			}
		case "backup":
			cursor = max(cursor-b.ticks(it.Duration, 1), b.start)
		case "forward":
			cursor += b.ticks(it.Duration, 1)
		case "sound":
			b.setTempo(cursor, it.Tempo)
		case "direction":
			for _, snd := range it.Sound {
				b.setTempo(cursor, snd.Tempo)
			}
		case "note":
			if it.Grace != nil {
				continue
			}
			dur, err := b.duration(it)
			if err != nil {
				return err
			}
			start := cursor
			if it.Chord != nil {
				start = lastStart
			} else {
				cursor += dur
			}
			lastStart = start
			furthest = max(furthest, cursor, start+dur)
			if it.Rest != nil || it.Pitch == nil || dur == 0 {
				continue
			}
			key, err := it.Pitch.key()
			if err != nil {
				return err
			}
			touched = append(touched, b.note(it, key, start, start+dur))
		}
	}
	end := furthest
	if b.measureQ > 0 && m.Implicit != "yes" {
		end = b.start + cadenza.Tick(math.Round(b.measureQ*PPQ))
	}
	for _, i := range touched {
		b.notes[i].end = min(b.notes[i].end, end)
	}
	b.start = end
	return nil
}

// note adds a note or extends the one a tie started; it returns the index
// of the note touched.
func (b *builder) note(it item, key uint8, start, end cadenza.Tick) int {
	k := tieKey{key: key, staff: it.Staff, voice: it.Voice}
	var tieStart, tieStop bool
	for _, t := range it.Ties {
		switch t.Type {
		case "start":
			tieStart = true
		case "stop":
			tieStop = true
		}
	}
	if i, ok := b.ties[k]; ok && tieStop {
		b.notes[i].end = end
		if !tieStart {
			delete(b.ties, k)
		}
		return i
	}
	b.notes = append(b.notes, note{start: start, end: end, key: key, velocity: velocity(it.Dynamics), hand: b.hand(it.Staff)})
	i := len(b.notes) - 1
	if tieStart {
		b.ties[k] = i
	}
	return i
}

func (b *builder) events() []cadenza.PlaybackEvent {
	ret := make([]cadenza.PlaybackEvent, 0, 2*len(b.notes))
	for _, n := range b.notes {
		if n.end <= n.start {
			continue
		}
		ret = append(ret,
			cadenza.PlaybackEvent{Tick: n.start, Event: cadenza.NoteOnEvent(n.key, n.velocity), Hand: n.hand},
			cadenza.PlaybackEvent{Tick: n.end, Event: cadenza.NoteOffEvent(n.key), Hand: n.hand})
	}
	return ret
}

func (b *builder) hand(staff int) cadenza.Hand {
	if b.staves < 2 {
		return cadenza.HandAny
	}
	switch staff {
	case 1:
		return cadenza.HandRight
	case 2:
		return cadenza.HandLeft
	}
	return cadenza.HandAny
}

func (b *builder) ticks(divs *int, scale float64) cadenza.Tick {
	if divs == nil || *divs <= 0 {
		return 0
	}
	return cadenza.Tick(math.Round(float64(*divs) * scale * PPQ / float64(b.divisions)))
}

func (b *builder) setTempo(at cadenza.Tick, bpm string) {
	if bpm == "" {
		return
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(bpm), 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return
	}
	b.tempo[at] = int64(math.Round(60000000 / v))
}

// duration prefers the explicit duration and falls back to the note type,
// dots and tuplet ratio.
func (b *builder) duration(it item) (cadenza.Tick, error) {
	if it.Duration != nil {
		return b.ticks(it.Duration, 1), nil
	}
	q, ok := typeQuarters[it.Type]
	if !ok {
		if it.Chord != nil || it.Rest != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: note without duration or type", ErrMalformed)
	}
	add := q
	for range it.Dots {
		add /= 2
		q += add
	}
	if tm := it.TimeMod; tm != nil && tm.Actual > 0 && tm.Normal > 0 {
		q = q * float64(tm.Normal) / float64(tm.Actual)
	}
	return cadenza.Tick(math.Round(q * PPQ)), nil
}

var typeQuarters = map[string]float64{
	"maxima": 32, "long": 16, "breve": 8, "whole": 4, "half": 2, "quarter": 1,
	"eighth": 0.5, "16th": 0.25, "32nd": 0.125, "64th": 0.0625, "128th": 0.03125,
	"256th": 0.015625,
}

var steps = map[string]int{"C": 0, "D": 2, "E": 4, "F": 5, "G": 7, "A": 9, "B": 11}

func (p *pitch) key() (uint8, error) {
	step, ok := steps[strings.ToUpper(strings.TrimSpace(p.Step))]
	if !ok {
		return 0, fmt.Errorf("%w: pitch step %q", ErrMalformed, p.Step)
	}
	n := (p.Octave+1)*12 + step + int(math.Round(p.Alter))
	if n < 0 || n > 127 {
		return 0, fmt.Errorf("%w: pitch %s%d out of range", ErrMalformed, p.Step, p.Octave)
	}
	return uint8(n), nil
}

// quarters is the nominal measure length; compound numerators like "3+2"
// are summed.
func (t timeSig) quarters() float64 {
	if t.BeatType <= 0 {
		return 0
	}
	beats := 0
	for _, f := range strings.Split(t.Beats, "+") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n <= 0 {
			return 0
		}
		beats += n
	}
	return float64(beats) * 4 / float64(t.BeatType)
}

// velocity maps the dynamics attribute, a percentage of forte, to a MIDI
// velocity where forte is 90.
func velocity(dynamics string) uint8 {
	d, err := strconv.ParseFloat(strings.TrimSpace(dynamics), 64)
	if err != nil || d <= 0 {
		return defaultVelocity
	}
	return uint8(min(max(math.Round(d*0.9), 1), 127))
}
