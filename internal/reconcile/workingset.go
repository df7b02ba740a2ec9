package reconcile

import (
	"slices"
	"sync"
)

// WorkingSet: потокобезопасное множество идентификаторов незавершённых заказов.
// Это кэш над хранилищем: каждый тик пересобирает его из БД.
type WorkingSet struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

// NewWorkingSet создаёт пустое множество.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{ids: make(map[int64]struct{})}
}

// Replace заменяет содержимое множества.
func (s *WorkingSet) Replace(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
}

// Add добавляет идентификатор.
func (s *WorkingSet) Add(id int64) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// Remove удаляет идентификатор.
func (s *WorkingSet) Remove(id int64) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Contains сообщает, отслеживается ли заказ.
func (s *WorkingSet) Contains(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len возвращает размер множества.
func (s *WorkingSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Snapshot возвращает отсортированную копию идентификаторов.
func (s *WorkingSet) Snapshot() []int64 {
	s.mu.RLock()
	res := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		res = append(res, id)
	}
	s.mu.RUnlock()

	slices.Sort(res)
	return res
}

// Chunk делит ids на части не длиннее size, сохраняя порядок.
func Chunk(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) == 0 {
		return nil
	}

	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
