package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"pubchat-client/internal/domain"
)

// ErrNotEnoughNodes возвращается, если узлов меньше, чем длина пути.
var ErrNotEnoughNodes = errors.New("not enough relay nodes")

// DefaultCooldown задаёт, сколько узел после сбоя не выбирается без нужды.
const DefaultCooldown = time.Minute

// StaticPaths выбирает путь из заранее заданного списка узлов. Узел после
// сбоя остаётся в списке и пропускается до конца паузы. Если здоровых узлов
// меньше длины пути, путь добирается узлами, сбойнувшими раньше других.
type StaticPaths struct {
	mu       sync.Mutex
	nodes    []domain.Node
	length   int
	cooldown time.Duration
	badSince map[string]time.Time
	now      func() time.Time
}

var _ domain.PathSelector = (*StaticPaths)(nil)

// PathsOption настраивает StaticPaths.
type PathsOption func(*StaticPaths)

// WithCooldown задаёт паузу для сбойнувшего узла.
func WithCooldown(d time.Duration) PathsOption {
	return func(p *StaticPaths) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// ParseNodes разбирает узлы вида address или address@pubkey.
func ParseNodes(specs []string) ([]domain.Node, error) {
	nodes := make([]domain.Node, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		addr, pub, _ := strings.Cut(spec, "@")
		if addr == "" {
			return nil, fmt.Errorf("%w: empty relay node address in %q", domain.ErrConfiguration, spec)
		}
		nodes = append(nodes, domain.Node{Address: addr, PubKey: pub})
	}
	return nodes, nil
}

// NewStaticPaths создаёт селектор путей длины length.
func NewStaticPaths(nodes []domain.Node, length int, opts ...PathsOption) *StaticPaths {
	if length <= 0 {
		length = 1
	}
	p := &StaticPaths{
		nodes:    append([]domain.Node(nil), nodes...),
		length:   length,
		cooldown: DefaultCooldown,
		badSince: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SelectPath возвращает случайный путь без повторов узлов.
func (p *StaticPaths) SelectPath(ctx context.Context) ([]domain.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.nodes) < p.length {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughNodes, len(p.nodes), p.length)
	}

	now := p.now()
	var healthy, cooling []domain.Node
	for _, n := range p.nodes {
		since, bad := p.badSince[n.Address]
		switch {
		case !bad:
			healthy = append(healthy, n)
		case now.Sub(since) >= p.cooldown:
			delete(p.badSince, n.Address)
			healthy = append(healthy, n)
		default:
			cooling = append(cooling, n)
		}
	}

	path := make([]domain.Node, 0, p.length)
	for _, i := range rand.Perm(len(healthy)) {
		if len(path) == p.length {
			break
		}
		path = append(path, healthy[i])
	}
	if len(path) < p.length {
		sort.SliceStable(cooling, func(i, j int) bool {
			return p.badSince[cooling[i].Address].Before(p.badSince[cooling[j].Address])
		})
		path = append(path, cooling[:p.length-len(path)]...)
	}
	return path, nil
}

// MarkBad откладывает выбор узла на время паузы.
func (p *StaticPaths) MarkBad(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badSince[address] = p.now()
}
