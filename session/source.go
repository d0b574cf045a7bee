package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/midifile"
	"github.com/cadenzaio/cadenza/musicxml"
)

// ReadScore imports the score src names. A path without extension is
// tried with the extensions of its kind.
func ReadScore(src ScoreSource) (cadenza.Score, error) {
	kind := src.Kind
	if kind == SourceDemo {
		return DemoScore(src.ID), nil
	}
	if src.Path == "" {
		return cadenza.Score{}, fmt.Errorf("%w: no score path", ErrBadCommand)
	}
	path := NormalizePath(src.Path)
	if kind == SourceFile || kind == "" {
		kind = kindForPath(path)
	}
	switch kind {
	case SourceMIDI:
		return midifile.ReadFile(ResolveExisting(path, ".mid", ".midi"))
	case SourceMusicXML:
		return musicxml.ReadFile(ResolveExisting(path, ".mxl", ".musicxml", ".xml"))
	case SourceScore:
		return readScoreFile(ResolveExisting(path, ".yaml", ".yml", ".json"))
	}
	return cadenza.Score{}, fmt.Errorf("%w: unknown score kind %q", ErrBadCommand, src.Kind)
}

func kindForPath(path string) SourceKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mxl", ".musicxml", ".xml":
		return SourceMusicXML
	case ".yaml", ".yml", ".json":
		return SourceScore
	}
	return SourceMIDI
}

func readScoreFile(path string) (cadenza.Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("reading score failed: %w", err)
	}
	score, err := cadenza.ReadScore(data)
	if err != nil {
		return cadenza.Score{}, err
	}
	if score.Title == "" {
		score.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return score, nil
}
