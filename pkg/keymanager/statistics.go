package keymanager

import (
	"sort"
	"time"

	"github.com/systmms/keyops/pkg/keys"
)

// RotationNeed flags an Active key whose remaining lifetime has entered the
// policy grace period, meaning a scheduled rotation is due.
type RotationNeed struct {
	KeyID     string        `json:"key_id"`
	Type      keys.Type     `json:"key_type"`
	Version   int           `json:"version"`
	ExpiresAt time.Time     `json:"expires_at"`
	Remaining time.Duration `json:"remaining"`
}

// Statistics summarizes the key registry: counts by type and status plus the
// keys currently due for rotation.
type Statistics struct {
	Total          int                               `json:"total_keys"`
	ByType         map[keys.Type]map[keys.Status]int `json:"by_type"`
	ByStatus       map[keys.Status]int               `json:"by_status"`
	RotationNeeded []RotationNeed                    `json:"rotation_needed,omitempty"`
	GeneratedAt    time.Time                         `json:"generated_at"`
}

// Statistics reports registry counts and rotation-needed flags. Pure registry
// read; no store I/O.
func (m *Manager) Statistics() Statistics {
	now := m.nowFn().UTC()
	stats := Statistics{
		ByType:      make(map[keys.Type]map[keys.Status]int),
		ByStatus:    make(map[keys.Status]int),
		GeneratedAt: now,
	}

	m.mu.RLock()
	for _, e := range m.byID {
		stats.Total++

		perType := stats.ByType[e.key.Type]
		if perType == nil {
			perType = make(map[keys.Status]int)
			stats.ByType[e.key.Type] = perType
		}
		perType[e.key.Status]++
		stats.ByStatus[e.key.Status]++

		if e.key.Status != keys.StatusActive {
			continue
		}
		grace := m.policies.For(e.key.Type).GracePeriod()
		if e.key.ExpiresWithin(grace, now) {
			stats.RotationNeeded = append(stats.RotationNeeded, RotationNeed{
				KeyID:     e.key.ID,
				Type:      e.key.Type,
				Version:   e.key.Version,
				ExpiresAt: e.key.ExpiresAt,
				Remaining: e.key.ExpiresAt.Sub(now),
			})
		}
	}
	m.mu.RUnlock()

	sort.Slice(stats.RotationNeeded, func(i, j int) bool {
		if stats.RotationNeeded[i].Type != stats.RotationNeeded[j].Type {
			return stats.RotationNeeded[i].Type < stats.RotationNeeded[j].Type
		}
		return stats.RotationNeeded[i].Version > stats.RotationNeeded[j].Version
	})
	return stats
}
