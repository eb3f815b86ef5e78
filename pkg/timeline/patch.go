package timeline

import (
	"fmt"

	"cinesuite/pkg/model"
)

// Patch is a partial scene update. Nil fields are left unchanged.
//
// Replacing VideoURL or AudioURL without also supplying MergedURL drops the
// now stale merged asset. ClearAudio removes narration and merged asset.
// IsMerging is not patchable; it follows BeginWork and EndWork.
type Patch struct {
	VideoURL        *string
	GenerationAsset *string
	Prompt          *string
	Duration        *int
	Transition      *model.Transition
	AudioURL        *string
	AudioScript     *string
	MergedURL       *string
	ClearAudio      bool
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Patch applies p to the scene with the given ID.
func (m *Manager) Patch(id string, p Patch) error {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next, released, err := m.apply(m.scenes[i], p)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.scenes[i] = next
	m.mu.Unlock()

	m.release(released)
	m.emit(model.TimelineEvent{Type: model.EventSceneUpdated, SceneID: id, Index: i, Data: next})
	return nil
}

// apply computes the patched scene without touching the timeline, and the
// handles the scene stops owning.
func (m *Manager) apply(s model.Scene, p Patch) (model.Scene, []string, error) {
	old := s
	mergedSupplied := p.MergedURL != nil

	if p.VideoURL != nil {
		if *p.VideoURL == "" {
			return old, nil, fmt.Errorf("%w: video url cannot be empty", ErrInvalidPatch)
		}
		if *p.VideoURL != s.VideoURL && !mergedSupplied {
			s.MergedURL = ""
		}
		s.VideoURL = *p.VideoURL
	}
	if p.GenerationAsset != nil {
		s.GenerationAsset = *p.GenerationAsset
	}
	if p.Prompt != nil {
		s.Prompt = *p.Prompt
	}
	if p.Duration != nil {
		s.Duration = m.limits.Clamp(*p.Duration)
	}
	if p.Transition != nil {
		if !p.Transition.Valid() {
			return old, nil, fmt.Errorf("%w: unknown transition %q", ErrInvalidPatch, *p.Transition)
		}
		s.Transition = *p.Transition
	}

	if p.ClearAudio {
		s.AudioURL = ""
		s.AudioScript = ""
		s.MergedURL = ""
	}
	if p.AudioURL != nil {
		if *p.AudioURL != s.AudioURL && !mergedSupplied {
			s.MergedURL = ""
		}
		s.AudioURL = *p.AudioURL
	}
	if p.AudioScript != nil {
		s.AudioScript = *p.AudioScript
	}
	if mergedSupplied {
		s.MergedURL = *p.MergedURL
	}

	if s.AudioURL == "" {
		if mergedSupplied && *p.MergedURL != "" {
			return old, nil, fmt.Errorf("%w: merged asset requires audio", ErrInvalidPatch)
		}
		s.MergedURL = ""
	}

	var released []string
	for _, pair := range [][2]string{
		{old.VideoURL, s.VideoURL},
		{old.AudioURL, s.AudioURL},
		{old.MergedURL, s.MergedURL},
	} {
		if pair[0] != "" && pair[0] != pair[1] {
			released = append(released, pair[0])
		}
	}
	return s, released, nil
}
