package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ProfileInfo is the wire shape of one persistent browser profile.
type ProfileInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	InUse     bool   `json:"in_use"`
}

// ProfileInUseError reports which sessions block a profile reset.
type ProfileInUseError struct {
	Profile    string
	SessionIDs []string
}

func (e *ProfileInUseError) Error() string {
	return fmt.Sprintf("profile %q is in use by %d session(s)", e.Profile, len(e.SessionIDs))
}

// Profiles lists the persistent profiles under the data root.
func (r *Registry) Profiles() ([]ProfileInfo, error) {
	dir := filepath.Join(r.cfg.DataDir, "profiles")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, fmt.Errorf("session: list profiles: %w", err)
	}

	inUse := r.profilesInUse()
	out := make([]ProfileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, ProfileInfo{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: dirSize(filepath.Join(dir, e.Name())),
			InUse:     len(inUse[e.Name()]) > 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResetProfile deletes a profile directory. Names are validated against
// the profile pattern so the path cannot escape the data root; profiles
// used by live sessions refuse with the blocking session ids.
func (r *Registry) ResetProfile(name string) error {
	if !profileNameRe.MatchString(name) {
		return &ValidationError{Field: "name", Constraint: `matches ^[\w-]+$`, Message: fmt.Sprintf("invalid profile name %q", name)}
	}
	if ids := r.profilesInUse()[name]; len(ids) > 0 {
		return &ProfileInUseError{Profile: name, SessionIDs: ids}
	}
	dir := filepath.Join(r.cfg.DataDir, "profiles", name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("session: reset profile %s: %w", name, err)
	}
	r.log.Info("profile reset", "profile", name)
	return nil
}

func (r *Registry) profilesInUse() map[string][]string {
	out := make(map[string][]string)
	for _, s := range r.List() {
		if s.Profile != "" && s.State() == StateLive {
			out[s.Profile] = append(out[s.Profile], s.ID)
		}
	}
	return out
}

func dirSize(path string) int64 {
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
