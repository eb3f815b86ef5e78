// Package export packages timeline scenes into a portable zip archive with
// a manifest and a shell script that rebuilds the movie with ffmpeg.
package export

import (
	"archive/zip"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"cinesuite/pkg/model"
)

// ErrNothingToExport is returned for an empty scene list.
var ErrNothingToExport = errors.New("no scenes to export")

// Resolver maps media handles to local files.
type Resolver interface {
	Resolve(handle string) (string, error)
}

// Entry describes one exported scene.
type Entry struct {
	Index       int              `json:"index"`
	SceneID     string           `json:"scene_id"`
	Prompt      string           `json:"prompt"`
	Duration    int              `json:"duration"`
	Transition  model.Transition `json:"transition"`
	AudioScript string           `json:"audio_script,omitempty"`
	Video       string           `json:"video"`
	Audio       string           `json:"audio,omitempty"`
	Merged      string           `json:"merged,omitempty"`
	Assembly    string           `json:"assembly"` // normalized part produced by merge.sh, listed in manifest.txt
}

// Manifest is written to manifest.json and returned to the caller.
type Manifest struct {
	CreatedAt     time.Time `json:"created_at"`
	TotalDuration int       `json:"total_duration"`
	Output        string    `json:"output"`
	Scenes        []Entry   `json:"scenes"`
}

//go:embed merge.sh.tmpl
var scriptText string

var scriptTmpl = template.Must(template.New("merge.sh").Parse(scriptText))

// Packager writes export archives.
type Packager struct {
	lib Resolver
	now func() time.Time
}

// NewPackager creates a Packager reading media through lib.
func NewPackager(lib Resolver) *Packager {
	return &Packager{lib: lib, now: time.Now}
}

type source struct {
	name string
	file *os.File
	info os.FileInfo
}

// Package writes the archive for scenes, in the given order, to w.
// Every source file is opened before the first byte is written, so a missing
// asset fails the export without a partial archive.
func (p *Packager) Package(ctx context.Context, scenes []model.Scene, w io.Writer) (*Manifest, error) {
	if len(scenes) == 0 {
		return nil, ErrNothingToExport
	}

	m := &Manifest{CreatedAt: p.now().UTC(), Output: "movie.mp4"}
	var handles, names []string
	for i := range scenes {
		s := &scenes[i]
		e := Entry{
			Index:       i + 1,
			SceneID:     s.ID,
			Prompt:      s.Prompt,
			Duration:    s.Duration,
			Transition:  s.Transition,
			AudioScript: s.AudioScript,
		}
		add := func(handle, kind string) string {
			if handle == "" {
				return ""
			}
			name := fmt.Sprintf("scene_%02d_%s%s", e.Index, kind, strings.ToLower(filepath.Ext(handle)))
			handles = append(handles, handle)
			names = append(names, name)
			return name
		}
		e.Video = add(s.VideoURL, "video")
		e.Audio = add(s.AudioURL, "audio")
		e.Merged = add(s.MergedURL, "merged")

		// Every scene is re-encoded to the same stream layout, so raw,
		// narrated and merged clips concatenate without stream mismatches.
		e.Assembly = fmt.Sprintf("scene_%02d_part.mp4", e.Index)
		m.TotalDuration += s.Duration
		m.Scenes = append(m.Scenes, e)
	}

	sources, err := p.open(ctx, handles, names)
	defer func() {
		for _, src := range sources {
			if src.file != nil {
				src.file.Close()
			}
		}
	}()
	if err != nil {
		return nil, err
	}

	zw := zip.NewWriter(w)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := addFile(zw, src); err != nil {
			return nil, err
		}
	}

	if err := addGenerated(zw, "manifest.txt", []byte(concatList(m))); err != nil {
		return nil, err
	}

	var script strings.Builder
	if err := scriptTmpl.Execute(&script, m); err != nil {
		return nil, fmt.Errorf("render merge script: %w", err)
	}
	if err := addGenerated(zw, "merge.sh", []byte(script.String())); err != nil {
		return nil, err
	}

	js, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := addGenerated(zw, "manifest.json", js); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	slog.Info("Export: archive written", "scenes", len(m.Scenes), "files", len(sources), "total_duration", m.TotalDuration)
	return m, nil
}

// open resolves, opens and stats every source concurrently.
func (p *Packager) open(ctx context.Context, handles, names []string) ([]source, error) {
	sources := make([]source, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i := range handles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, err := p.lib.Resolve(handles[i])
			if err != nil {
				return fmt.Errorf("resolve %s: %w", names[i], err)
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", names[i], err)
			}
			sources[i] = source{name: names[i], file: f}
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat %s: %w", names[i], err)
			}
			if info.Size() == 0 {
				return fmt.Errorf("%s is empty", names[i])
			}
			sources[i].info = info
			return nil
		})
	}
	return sources, g.Wait()
}

func addFile(zw *zip.Writer, src source) error {
	hdr, err := zip.FileInfoHeader(src.info)
	if err != nil {
		return err
	}
	hdr.Name = src.name
	// Media is already compressed.
	hdr.Method = zip.Store
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", src.name, err)
	}
	if _, err := io.Copy(dst, src.file); err != nil {
		return fmt.Errorf("copy %s: %w", src.name, err)
	}
	return nil
}

func addGenerated(zw *zip.Writer, name string, data []byte) error {
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// concatList renders the ffmpeg concat demuxer list in assembly order. Each
// entry is cut at the scene's declared duration.
func concatList(m *Manifest) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, e := range m.Scenes {
		fmt.Fprintf(&b, "file '%s'\n", e.Assembly)
		if e.Duration > 0 {
			fmt.Fprintf(&b, "outpoint %d\n", e.Duration)
		}
	}
	return b.String()
}
