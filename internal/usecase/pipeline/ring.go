package pipeline

// RingSize задаёт, сколько последних сообщений помнит дедупликация.
const RingSize = 5

// Fingerprint идентифицирует сообщение для дедупликации.
type Fingerprint struct {
	Source string
	SentAt int64
	Body   string
}

// Ring хранит последние отпечатки, вытесняя самый старый.
type Ring struct {
	items []Fingerprint
	size  int
}

// NewRing создаёт кольцо ёмкостью size.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = RingSize
	}
	return &Ring{items: make([]Fingerprint, 0, size), size: size}
}

// Contains сообщает, встречался ли отпечаток.
func (r *Ring) Contains(fp Fingerprint) bool {
	for _, it := range r.items {
		if it == fp {
			return true
		}
	}
	return false
}

// Push добавляет отпечаток.
func (r *Ring) Push(fp Fingerprint) {
	if len(r.items) == r.size {
		copy(r.items, r.items[1:])
		r.items = r.items[:r.size-1]
	}
	r.items = append(r.items, fp)
}

// Len возвращает число хранимых отпечатков.
func (r *Ring) Len() int { return len(r.items) }
