package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/observability"
)

// persistedSession is the on-disk shape of one session. Only metadata is
// kept; restored sessions come back as zombies without a driver.
type persistedSession struct {
	SessionID       string `json:"session_id"`
	Profile         string `json:"profile"`
	Headless        bool   `json:"headless"`
	CreatedAt       string `json:"created_at"`
	LaunchMode      string `json:"launch_mode"`
	Ephemeral       bool   `json:"ephemeral"`
	AgentID         string `json:"agent_id,omitempty"`
	AcceptDownloads bool   `json:"accept_downloads"`
	CDPURL          string `json:"cdp_url,omitempty"`
	Sealed          bool   `json:"sealed"`
	PolicyProfile   string `json:"policy_profile"`
}

type persistedState struct {
	V        int                `json:"v"`
	SavedAt  string             `json:"saved_at"`
	Sessions []persistedSession `json:"sessions"`
}

// Save writes session metadata to path. With a non-empty passphrase the
// file is AES-256-GCM encrypted under a scrypt-derived key.
func (r *Registry) Save(path, passphrase string) error {
	state := persistedState{V: 1, SavedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, s := range r.List() {
		if s.Ephemeral {
			continue // nothing worth restoring, the profile is gone
		}
		state.Sessions = append(state.Sessions, persistedSession{
			SessionID:       s.ID,
			Profile:         s.Profile,
			Headless:        s.Headless,
			CreatedAt:       s.CreatedAt.Format(time.RFC3339),
			LaunchMode:      s.LaunchMode,
			Ephemeral:       s.Ephemeral,
			AgentID:         s.AgentID,
			AcceptDownloads: s.AcceptDownloads,
			CDPURL:          s.CDPURL,
			Sealed:          s.Sealed(),
			PolicyProfile:   s.Policy.Policy().Profile,
		})
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if passphrase != "" {
		data, err = encrypt(data, passphrase)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("session: state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore loads persisted sessions as zombies. A missing file is not an
// error. Zombies are listable and deletable; actions on them fail until
// a future attach re-animates them.
func (r *Registry) Restore(path, passphrase string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("session: read state: %w", err)
	}
	if passphrase != "" {
		data, err = decrypt(data, passphrase)
		if err != nil {
			return 0, err
		}
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("session: parse state: %w", err)
	}

	restored := 0
	for _, ps := range state.Sessions {
		pol, err := policy.ForProfile(ps.PolicyProfile)
		if err != nil {
			pol, _ = policy.ForProfile(policy.ProfileSafe)
		}
		s, err := newSession(ps.SessionID, pol, r.cfg.RingSize, r.cfg.SnapshotLRU, r.log)
		if err != nil {
			return restored, err
		}
		s.Profile = ps.Profile
		s.Headless = ps.Headless
		if t, err := time.Parse(time.RFC3339, ps.CreatedAt); err == nil {
			s.CreatedAt = t
		}
		s.LaunchMode = ps.LaunchMode
		s.Ephemeral = ps.Ephemeral
		s.AgentID = ps.AgentID
		s.AcceptDownloads = ps.AcceptDownloads
		s.CDPURL = ps.CDPURL
		s.state = StateZombie
		s.sealed = ps.Sealed
		r.Adopt(s)
		r.logEvent(context.Background(), observability.EventZombieAdopted, s, true)
		restored++
	}
	return restored, nil
}

const (
	saltLen    = 16
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
	magicV1    = "AMB1"
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	return key, nil
}

// encrypt seals plaintext as magic || salt || nonce || ciphertext.
func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("session: salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("session: nonce: %w", err)
	}

	out := make([]byte, 0, len(magicV1)+saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magicV1...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func decrypt(data []byte, passphrase string) ([]byte, error) {
	if len(data) < len(magicV1)+saltLen || string(data[:len(magicV1)]) != magicV1 {
		return nil, fmt.Errorf("session: state file is not encrypted with a known format")
	}
	data = data[len(magicV1):]
	salt, data := data[:saltLen], data[saltLen:]
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session: gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("session: state file truncated")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("session: decrypt state (wrong PERSIST_KEY?): %w", err)
	}
	return plaintext, nil
}
