// Package omr turns PDF sheet music into MusicXML by running Audiveris.
package omr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
)

type (
	// Audiveris runs the Audiveris command line in batch mode. Path is the
	// executable as resolved by ResolvePath; WorkDir is where the per job
	// output directories are created, the system temporary directory if
	// empty.
	Audiveris struct {
		Path    string
		WorkDir string
		Log     *logrus.Entry
	}

	// Result points to the recognised MusicXML and to the Audiveris output
	// captured while it ran.
	Result struct {
		MusicXML string `json:"musicXml"`
		LogFile  string `json:"logFile"`
		Dir      string `json:"dir"`
	}
)

// EnvPath names the environment variable consulted when no path is
// configured.
const EnvPath = "AUDIVERIS_PATH"

const logFileName = "audiveris.log"

var (
	ErrNotFound          = errors.New("audiveris not found")
	ErrRecognitionFailed = errors.New("recognition failed")
	ErrNoOutput          = errors.New("audiveris produced no MusicXML")
	ErrUnsupported       = errors.New("input is not a PDF file")
)

// ResolvePath finds the Audiveris executable: configured first, then
// AUDIVERIS_PATH, then audiveris on PATH. A macOS application bundle
// resolves to the executable inside it.
func ResolvePath(configured string) (string, error) {
	for _, p := range []string{configured, os.Getenv(EnvPath)} {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		return lookup(p)
	}
	for _, name := range []string{"audiveris", "Audiveris"} {
		if exe, err := exec.LookPath(name); err == nil {
			return exe, nil
		}
	}
	return "", fmt.Errorf("%w: set its path or %s", ErrNotFound, EnvPath)
}

func lookup(p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !strings.ContainsRune(p, os.PathSeparator) && !strings.ContainsRune(p, '/') {
		exe, err := exec.LookPath(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return exe, nil
	}
	if strings.EqualFold(filepath.Ext(p), ".app") {
		p = filepath.Join(p, "Contents", "MacOS", "Audiveris")
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	return p, nil
}

// Recognize runs Audiveris on pdf and returns the exported MusicXML.
// Every line Audiveris prints is passed to progress, which may be nil, and
// written to audiveris.log in the job directory. Cancelling ctx kills the
// process.
func (a *Audiveris) Recognize(ctx context.Context, pdf string, progress func(line string)) (Result, error) {
	if !strings.EqualFold(filepath.Ext(pdf), ".pdf") {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, pdf)
	}
	if _, err := os.Stat(pdf); err != nil {
		return Result{}, fmt.Errorf("reading PDF failed: %w", err)
	}
	exe := a.Path
	if exe == "" {
		var err error
		if exe, err = ResolvePath(""); err != nil {
			return Result{}, err
		}
	}
	dir, err := os.MkdirTemp(a.WorkDir, "cadenza-omr-*")
	if err != nil {
		return Result{}, fmt.Errorf("creating OMR directory failed: %w", err)
	}
	res := Result{Dir: dir, LogFile: filepath.Join(dir, logFileName)}
	logFile, err := os.Create(res.LogFile)
	if err != nil {
		return res, fmt.Errorf("creating OMR log failed: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, exe, "-batch", "-export", "-output", dir, pdf)
	cmd.WaitDelay = time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	var wg sync.WaitGroup
	var tail []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(logFile, line)
			if len(tail) == 5 {
				tail = tail[1:]
			}
			tail = append(tail, line)
			if progress != nil {
				progress(line)
			}
		}
		io.Copy(io.Discard, pr)
	}()
	start := time.Now()
	err = cmd.Run()
	pw.Close()
	wg.Wait()
	if a.Log != nil {
		a.Log.WithFields(logrus.Fields{"pdf": pdf, "took": time.Since(start).Round(time.Millisecond)}).WithError(err).Info("audiveris finished")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%w: exit code %d: %s", ErrRecognitionFailed, exitErr.ExitCode(), strings.Join(tail, "; "))
		}
		return res, fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	stem := strings.TrimSuffix(filepath.Base(pdf), filepath.Ext(pdf))
	res.MusicXML, err = findOutput(dir, stem)
	return res, err
}

// findOutput prefers the file named after the PDF, compressed first, and
// otherwise takes the first MusicXML file anywhere below dir.
func findOutput(dir, stem string) (string, error) {
	var named, others []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".mxl" && ext != ".musicxml" && ext != ".xml" {
			return nil
		}
		if strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) == stem {
			named = append(named, path)
		} else {
			others = append(others, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching OMR output failed: %w", err)
	}
	for _, ext := range []string{".mxl", ".musicxml", ".xml"} {
		for _, p := range named {
			if strings.EqualFold(filepath.Ext(p), ext) {
				return p, nil
			}
		}
	}
	if len(others) > 0 {
		return others[0], nil
	}
	return "", ErrNoOutput
}
