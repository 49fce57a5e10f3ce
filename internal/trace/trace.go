// Package trace reads a trace directory's descriptor files and produces
// the metadata the session manager needs to register a session: detected
// language, program/workdir/args, source file list, and total event count.
//
// Resolution order for the primary descriptor is simple format first
// (trace_metadata.json), extended format second (trace_db_metadata.json),
// fatal error if neither exists. Source files and event counts are
// best-effort: missing or unreadable auxiliary files degrade to warnings
// and default values, never to a failed open.
package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/types"
	"codetracer-core/pkg/validation"
)

const (
	simpleMetadataFile   = "trace_metadata.json"
	extendedMetadataFile = "trace_db_metadata.json"
	pathsFile            = "trace_paths.json"
	eventsFile           = "trace.json"
)

// extensionLanguage maps a program's file extension to a detected
// language, per spec §4.1.
var extensionLanguage = map[string]types.Language{
	".rs":   types.LangRust,
	".nim":  types.LangNim,
	".py":   types.LangPython,
	".go":   types.LangGo,
	".c":    types.LangC,
	".cpp":  types.LangCPP,
	".cc":   types.LangCPP,
	".cxx":  types.LangCPP,
	".rb":   types.LangRuby,
	".js":   types.LangJavaScript,
	".ts":   types.LangTypeScript,
	".java": types.LangJava,
	".pas":  types.LangPascal,
	".pp":   types.LangPascal,
	".wasm": types.LangWasm,
}

// numericLanguage is the full lang-id -> language enumeration carried by
// the extended descriptor's numeric `lang` tag, ported from the
// original's `ct-rr-support`/`lang.rs` enumeration (see SPEC_FULL.md §5).
// Only entries reachable from a recorded trace are meaningful; the rest
// fall through to LangUnknown.
var numericLanguage = map[int]types.Language{
	0:  types.LangC,
	1:  types.LangCPP,
	2:  types.LangRust,
	3:  types.LangNim,
	4:  types.LangGo,
	5:  types.LangPascal,
	12: types.LangPython,
	13: types.LangRuby,
	15: types.LangJavaScript,
	19: types.LangWasm,
	20: types.LangWasm,
	21: types.LangSmall,
}

type simpleDescriptor struct {
	Program string   `json:"program"`
	Workdir string   `json:"workdir"`
	Args    []string `json:"args"`
}

type extendedDescriptor struct {
	Program    string   `json:"program"`
	Workdir    string   `json:"workdir"`
	Args       []string `json:"args"`
	Lang       int      `json:"lang"`
	RecordedAt string   `json:"recorded_at"`
}

// Reader loads trace metadata from trace directories. It is stateless
// apart from its logger; a daemon-wide instance is shared across
// sessions.
type Reader struct {
	log                 *logrus.Logger
	recordedAtValidator *validation.TimestampValidator
}

// NewReader constructs a Reader that logs best-effort warnings to log.
// The extended descriptor's recording-time metadata is checked against
// the daemon's own clock through a TimestampValidator configured to warn
// (never reject or clamp) — a trace recorded far in the past is normal,
// but one timestamped in the future usually means clock skew between the
// recording machine and the one running the daemon, which is worth
// surfacing in the log even though it can never fail an open-trace call.
func NewReader(log *logrus.Logger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	validator := validation.NewTimestampValidator(validation.Config{
		Enabled:             true,
		MaxPastAgeSeconds:   10 * 365 * 24 * 3600,
		MaxFutureAgeSeconds: 300,
		InvalidAction:       "warn",
	}, log, nil)
	return &Reader{log: log, recordedAtValidator: validator}
}

// Read loads the metadata for the trace directory at dir. A missing or
// unparsable primary descriptor is fatal; everything else degrades to a
// warning and a default value.
func (r *Reader) Read(dir string) (types.TraceMetadata, error) {
	program, workdir, args, langHint, recordedAt, err := r.readPrimaryDescriptor(dir)
	if err != nil {
		return types.TraceMetadata{}, err
	}

	language := detectLanguage(program)
	if language == types.LangUnknown && langHint != types.LangUnknown {
		language = langHint
	}

	sourceFiles := r.readSourcePaths(dir)
	totalEvents := r.countEvents(dir)

	return types.TraceMetadata{
		Language:    language,
		TotalEvents: totalEvents,
		SourceFiles: sourceFiles,
		Program:     program,
		Workdir:     workdir,
		Args:        args,
		RecordedAt:  recordedAt,
	}, nil
}

func (r *Reader) readPrimaryDescriptor(dir string) (program, workdir string, args []string, langHint types.Language, recordedAt time.Time, err error) {
	simplePath := filepath.Join(dir, simpleMetadataFile)
	if contents, readErr := os.ReadFile(simplePath); readErr == nil {
		var raw simpleDescriptor
		if jsonErr := json.Unmarshal(contents, &raw); jsonErr != nil {
			return "", "", nil, types.LangUnknown, time.Time{}, apperrors.New(
				apperrors.CodeTraceIOParseFailed, "trace", "read-descriptor",
				"cannot parse "+simplePath,
			).Wrap(jsonErr)
		}
		return raw.Program, raw.Workdir, raw.Args, types.LangUnknown, time.Time{}, nil
	}

	extendedPath := filepath.Join(dir, extendedMetadataFile)
	contents, readErr := os.ReadFile(extendedPath)
	if readErr != nil {
		return "", "", nil, types.LangUnknown, time.Time{}, apperrors.New(
			apperrors.CodeTraceIOMissingDescriptor, "trace", "read-descriptor",
			"neither "+simpleMetadataFile+" nor "+extendedMetadataFile+" found in "+dir,
		).Wrap(readErr)
	}

	var raw extendedDescriptor
	if jsonErr := json.Unmarshal(contents, &raw); jsonErr != nil {
		return "", "", nil, types.LangUnknown, time.Time{}, apperrors.New(
			apperrors.CodeTraceIOParseFailed, "trace", "read-descriptor",
			"cannot parse "+extendedPath,
		).Wrap(jsonErr)
	}

	hint := numericLanguage[raw.Lang]

	if raw.RecordedAt != "" {
		if result := r.recordedAtValidator.ValidateAndParseTimestamp("trace_metadata.recorded_at", raw.RecordedAt); result.Valid {
			recordedAt = result.ValidatedTime
		} else {
			r.log.WithFields(logrus.Fields{"dir": dir, "recorded_at": raw.RecordedAt, "reason": result.Reason}).Warn("trace recording timestamp failed validation, leaving unset")
		}
	}

	return raw.Program, raw.Workdir, raw.Args, hint, recordedAt, nil
}

func (r *Reader) readSourcePaths(dir string) []string {
	p := filepath.Join(dir, pathsFile)
	contents, err := os.ReadFile(p)
	if err != nil {
		r.log.WithFields(logrus.Fields{"file": p, "error": err}).Warn("trace source paths unreadable, defaulting to empty list")
		return nil
	}
	var paths []string
	if err := json.Unmarshal(contents, &paths); err != nil {
		r.log.WithFields(logrus.Fields{"file": p, "error": err}).Warn("trace source paths malformed, defaulting to empty list")
		return nil
	}
	return paths
}

func (r *Reader) countEvents(dir string) int64 {
	p := filepath.Join(dir, eventsFile)
	contents, err := os.ReadFile(p)
	if err != nil {
		r.log.WithFields(logrus.Fields{"file": p, "error": err}).Warn("trace event log unreadable, defaulting total_events to 0")
		return 0
	}
	var events []json.RawMessage
	if err := json.Unmarshal(contents, &events); err != nil {
		r.log.WithFields(logrus.Fields{"file": p, "error": err}).Warn("trace event log malformed, defaulting total_events to 0")
		return 0
	}
	return int64(len(events))
}

func detectLanguage(program string) types.Language {
	ext := strings.ToLower(filepath.Ext(program))
	if lang, ok := extensionLanguage[ext]; ok {
		return lang
	}
	return types.LangUnknown
}

// WatchAuxiliary watches dir for late-arriving auxiliary files
// (trace_paths.json, trace_db_metadata.json) written after an initial
// best-effort read, e.g. by a recorder still flushing. Returns a channel
// of file names that changed; the caller decides whether to re-read.
// Callers that do not need this (the common case: trace directories are
// complete before ct/open-trace is issued) may ignore it entirely.
func (r *Reader) WatchAuxiliary(dir string) (*fsnotify.Watcher, <-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, apperrors.New(apperrors.CodeSystemFailure, "trace", "watch-auxiliary", "cannot create fsnotify watcher").Wrap(err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, apperrors.New(apperrors.CodeTraceIOUnreadable, "trace", "watch-auxiliary", "cannot watch "+dir).Wrap(err)
	}

	changed := make(chan string, 8)
	go func() {
		defer close(changed)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if base == pathsFile || base == extendedMetadataFile || base == simpleMetadataFile {
					select {
					case changed <- base:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.WithError(err).Warn("trace directory watch error")
			}
		}
	}()
	return watcher, changed, nil
}
