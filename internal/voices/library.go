package voices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
	"github.com/go-audio/wav"
)

// ErrVoiceNotFound is returned when a requested voice is not in the library.
var ErrVoiceNotFound = errors.New("voice not found")

// audioExtensions lists the sample formats accepted during discovery.
var audioExtensions = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".flac": {},
	".m4a":  {},
	".ogg":  {},
}

// Library resolves voice names to reference-audio paths. The listing is
// backed by the metadata store and populated by directory discovery;
// mutation beyond discovery happens outside this process.
type Library struct {
	cfg          config.VoicesConfig
	defaultVoice string
	store        *Store
	log          *slog.Logger
}

// Open initializes the library and, when configured, imports any sample
// files already present in the voice directory.
func Open(ctx context.Context, cfg config.VoicesConfig, defaultVoice string, log *slog.Logger) (*Library, error) {
	store, err := OpenStore(ctx, cfg.MetadataPath, log)
	if err != nil {
		return nil, fmt.Errorf("open voice store: %w", err)
	}
	l := &Library{
		cfg:          cfg,
		defaultVoice: defaultVoice,
		store:        store,
		log:          log.With(slog.String("component", "voice-library")),
	}
	if cfg.ScanOnStart {
		imported, _, err := l.Scan(ctx)
		if err != nil {
			store.Close()
			return nil, err
		}
		l.log.Info("voice discovery complete", slog.Int("imported", len(imported)))
	}
	return l, nil
}

// Close releases the metadata store.
func (l *Library) Close() error {
	return l.store.Close()
}

// Scan walks the voice directory and imports sample files that are not
// yet tracked. Returns imported and skipped voice names. Files whose
// extension is not a known audio format are ignored entirely.
func (l *Library) Scan(ctx context.Context) (imported, skipped []string, err error) {
	entries, err := os.ReadDir(l.cfg.Directory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read voice directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := audioExtensions[ext]; !ok {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if name == "" {
			continue
		}

		if _, err := l.store.Get(ctx, name); err == nil {
			skipped = append(skipped, name)
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return imported, skipped, err
		}

		path := filepath.Join(l.cfg.Directory, entry.Name())
		voice := Voice{Name: name, Path: path, Discovered: true}
		if ext == ".wav" {
			if rate, err := probeWAV(path); err == nil {
				voice.SampleRate = rate
			} else {
				l.log.Warn("could not probe wav sample",
					slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		if err := l.store.Upsert(ctx, voice); err != nil {
			return imported, skipped, fmt.Errorf("import voice %q: %w", name, err)
		}
		imported = append(imported, name)
	}
	return imported, skipped, nil
}

// List returns all known voices ordered by name.
func (l *Library) List(ctx context.Context) ([]Voice, error) {
	return l.store.List(ctx)
}

// DefaultVoice reports the configured default voice name.
func (l *Library) DefaultVoice() string {
	return l.defaultVoice
}

// Resolve maps a requested voice name to a reference-audio path. An empty
// name or the literal "default" resolves through the configured default
// voice and then the bundled sample; any other name is an exact,
// case-sensitive library lookup.
func (l *Library) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" || name == "default" {
		if l.defaultVoice != "" && l.defaultVoice != "default" {
			if path, err := l.lookup(ctx, l.defaultVoice); err == nil {
				return path, nil
			}
		}
		if l.cfg.DefaultSample != "" {
			if _, err := os.Stat(l.cfg.DefaultSample); err == nil {
				return l.cfg.DefaultSample, nil
			}
		}
		return "", fmt.Errorf("%w: no default voice available", ErrVoiceNotFound)
	}
	return l.lookup(ctx, name)
}

func (l *Library) lookup(ctx context.Context, name string) (string, error) {
	voice, err := l.store.Get(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrVoiceNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("lookup voice %q: %w", name, err)
	}
	if _, err := os.Stat(voice.Path); err != nil {
		return "", fmt.Errorf("%w: reference sample missing for %q", ErrVoiceNotFound, name)
	}
	return voice.Path, nil
}

func probeWAV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return 0, err
	}
	if dec.SampleRate == 0 {
		return 0, errors.New("wav header missing sample rate")
	}
	return int(dec.SampleRate), nil
}
