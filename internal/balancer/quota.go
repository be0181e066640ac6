package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dalbodeule/pool-gate/internal/observability"
)

// QuotaEntry 는 워커 1개에 남은 "적자" 트래픽 예산입니다.
type QuotaEntry struct {
	Port  int `json:"port"`
	Quota int `json:"quota"`
}

// QuotaSelector 는 폴러가 발행한 쿼터 테이블을 소비하며 대상 포트를 고릅니다.
//
// 테이블은 쿼터 오름차순으로 정렬되어 있고, 항상 마지막(가장 한가한) 엔트리부터
// decrement-and-pop 으로 소비합니다. 테이블이 비면 균등 랜덤으로 폴백합니다.
//
// 발행과 소비가 서로 다른 고루틴에서 일어나므로 전체 구간을 뮤텍스로 보호해
// 쿼터 1단위가 정확히 한 번만 소비되도록 합니다.
type QuotaSelector struct {
	mu       sync.Mutex
	entries  []QuotaEntry
	registry *Registry
	rng      *rand.Rand
}

// NewQuotaSelector 는 레지스트리에 바인딩된 QuotaSelector 를 생성합니다.
func NewQuotaSelector(registry *Registry) *QuotaSelector {
	return &QuotaSelector{
		registry: registry,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Publish 는 새 쿼터 테이블을 원자적으로 교체합니다.
// 전달된 슬라이스는 쿼터 오름차순으로 정렬되어 있어야 하며, 호출자가 소유권을 넘깁니다.
func (s *QuotaSelector) Publish(entries []QuotaEntry) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	observability.QuotaTableSize.Set(float64(len(entries)))
}

// Snapshot 은 현재 테이블의 사본을 반환합니다. 관리 plane 조회용입니다.
func (s *QuotaSelector) Snapshot() []QuotaEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuotaEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ChooseTargetPort 는 남은 쿼터가 있는 가장 한가한 워커의 포트를 반환합니다.
//
// 마지막 엔트리의 쿼터를 1 감소시키고, 0 이하가 되면 엔트리를 제거합니다.
// 테이블이 비어 있으면 레지스트리에서 균등 랜덤으로 고릅니다.
// 빈 레지스트리까지 겹치면 두 번째 반환값이 false 입니다.
func (s *QuotaSelector) ChooseTargetPort() (int, bool) {
	s.mu.Lock()
	if n := len(s.entries); n > 0 {
		last := &s.entries[n-1]
		port := last.Port
		last.Quota--
		if last.Quota < 1 {
			s.entries = s.entries[:n-1]
		}
		remaining := len(s.entries)
		s.mu.Unlock()
		observability.QuotaTableSize.Set(float64(remaining))
		return port, true
	}
	s.mu.Unlock()

	return s.RandomPort()
}

// RandomPort 는 레지스트리에서 균등 랜덤으로 워커 포트를 고릅니다.
// WebSocket 업그레이드가 풀에 없는 포트를 지목했을 때의 폴백 경로로도 사용됩니다.
func (s *QuotaSelector) RandomPort() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.RandomPort(s.rng)
}
